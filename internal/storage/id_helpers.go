package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

func generateID(prefix string) (string, error) {
	bytes, err := randomBytes(16)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(bytes), nil
}

func generateStreamKey() (string, error) {
	bytes, err := randomBytes(24)
	if err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
