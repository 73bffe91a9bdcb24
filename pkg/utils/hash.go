package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// NormalizeQuery canonicalizes a query for cache keying: trimmed,
// lowercased, internal whitespace collapsed to single spaces.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// CacheKey builds a stable key for a (database, query) pair.
func CacheKey(database, query string) string {
	return HashString(database + ":" + NormalizeQuery(query))
}
