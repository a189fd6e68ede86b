// Package logx is procbot's logging layer: zerolog underneath, a console
// writer for humans, a rotated JSON file and an optional operator chat that
// receives warnings and errors at a bounded rate.
package logx
