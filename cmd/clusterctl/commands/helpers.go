package commands

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// splitHosts parses a comma-separated host list, dropping empty entries.
func splitHosts(raw string) []string {
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

// decodeSecret hex-decodes an empty-or-nonempty secret flag value. An
// empty flag yields a nil secret; no other secret source is consulted, so
// no credential can then be created.
func decodeSecret(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return secret, nil
}

// splitNodes parses a comma-separated downstream node hostlist.
func splitNodes(raw string) []string {
	return splitHosts(raw)
}
