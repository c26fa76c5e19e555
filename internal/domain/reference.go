package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const referenceLayout = "20060102150405"

var referencePattern = regexp.MustCompile(`^TXN-\d{14}-[0-9A-F]{6}$`)

// NewReference returns TXN-<UTC timestamp>-<6 hex chars>.
func NewReference(now time.Time) string {
	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("reference suffix: %v", err))
	}
	return fmt.Sprintf("TXN-%s-%s", now.UTC().Format(referenceLayout), strings.ToUpper(hex.EncodeToString(suffix[:])))
}

func ValidReference(ref string) bool {
	return referencePattern.MatchString(ref)
}
