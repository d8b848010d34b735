package storage

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
// History records carry it so a restarted process can tell its own records apart.
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
