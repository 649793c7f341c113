package main

import (
	"testing"

	"rollcall/internal/config"
	"rollcall/internal/store"
)

func TestScanQueue(t *testing.T) {
	rdb := store.NewRedis("localhost:0")
	defer rdb.Close()

	tests := []struct {
		name    string
		backend string
		rdb     *store.Redis
		want    bool
	}{
		{name: "memory", backend: "memory", rdb: rdb, want: false},
		{name: "default", backend: "", want: false},
		{name: "redis", backend: "redis", rdb: rdb, want: true},
		{name: "redis without client", backend: "redis", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := scanQueue(config.App{QueueBackend: tt.backend, QueueKey: "rollcall:scans"}, tt.rdb)
			if (q != nil) != tt.want {
				t.Errorf("scanQueue(%q) = %v, want queue: %v", tt.backend, q, tt.want)
			}
		})
	}
}
