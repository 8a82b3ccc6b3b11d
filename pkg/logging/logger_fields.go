package logging

import (
	"encoding/hex"
	"time"
)

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

// Feed identifies a feed by its discovery id. Long ids are shortened to
// keep log lines readable.
func Feed(id string) Field {
	if len(id) > 16 {
		id = id[:16]
	}
	return String("feed", id)
}

// Key logs a public key as a short hex prefix
func Key(key []byte) Field {
	if len(key) > 8 {
		key = key[:8]
	}
	return String("key", hex.EncodeToString(key))
}

func Index(i uint64) Field {
	return Uint64("index", i)
}

func Version(v uint64) Field {
	return Uint64("version", v)
}

func Peer(id string) Field {
	return String("peer", id)
}

func Session(id string) Field {
	return String("session", id)
}
