// Package storage provides the small persistence layer used by the bot.
//
// It supports:
//   - a string key/value store (timed providers persist their task sets here)
//   - audit log appends (one entry per finished command)
//
// Drivers: "memory", "file" (JSON snapshot + JSONL journal) and "sqlite".
package storage
