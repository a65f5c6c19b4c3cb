package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxNameLength = 100
	maxSlugLength = 50
	slugPattern   = `^[a-z0-9]+(?:-[a-z0-9]+)*$`

	// Six colon-separated hex octets, the public BLE address form
	// gattd expects.
	blePattern = `^(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`

	// Caps on the state document so an API client cannot balloon a
	// device row.
	maxStateKeys      = 100
	maxStringValueLen = 1024
)

var (
	slugRegex = regexp.MustCompile(slugPattern)
	bleRegex  = regexp.MustCompile(blePattern)
)

var validHealthStatus = func() map[HealthStatus]struct{} {
	set := make(map[HealthStatus]struct{}, len(AllHealthStatuses()))
	for _, s := range AllHealthStatuses() {
		set[s] = struct{}{}
	}
	return set
}()

// ValidateDevice checks every field of a device and returns the first
// problem found. An empty slug passes; the registry generates one from
// the name on create.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	if d.Slug != "" {
		if err := ValidateSlug(d.Slug); err != nil {
			return err
		}
	}

	if err := ValidateAddress(d.Address); err != nil {
		return err
	}

	if d.DetectThreshold < 0 {
		return fmt.Errorf("%w: detect_threshold cannot be negative", ErrInvalidDevice)
	}

	if len(d.State) > maxStateKeys {
		return fmt.Errorf("%w: state exceeds max keys (%d)", ErrInvalidState, maxStateKeys)
	}
	if err := validateMapSize(d.State, "state"); err != nil {
		return err
	}

	if d.HealthStatus != "" {
		if err := ValidateHealthStatus(d.HealthStatus); err != nil {
			return err
		}
	}

	return nil
}

// validateMapSize bounds every string, map, and slice in the state
// document, recursing with a depth cap.
func validateMapSize(m map[string]any, fieldName string) error {
	return validateMapSizeRecursive(m, fieldName, 0)
}

const maxNestingDepth = 10

func validateMapSizeRecursive(m map[string]any, fieldName string, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%w: %s exceeds maximum nesting depth", ErrInvalidDevice, fieldName)
	}

	for k, v := range m {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: %s key too long", ErrInvalidDevice, fieldName)
		}
		if err := validateValueSize(v, fieldName, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValueSize(v any, fieldName string, depth int) error {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string:
		if len(val) > maxStringValueLen {
			return fmt.Errorf("%w: %s string value too long", ErrInvalidDevice, fieldName)
		}
	case map[string]any:
		if len(val) > maxStateKeys {
			return fmt.Errorf("%w: %s nested map too large", ErrInvalidDevice, fieldName)
		}
		return validateMapSizeRecursive(val, fieldName, depth+1)
	case []any:
		if len(val) > maxStateKeys {
			return fmt.Errorf("%w: %s array too large", ErrInvalidDevice, fieldName)
		}
		for _, elem := range val {
			if err := validateValueSize(elem, fieldName, depth+1); err != nil {
				return err
			}
		}
	}
	// Scalars are bounded by nature.
	return nil
}

// ValidateName rejects empty or oversized device names.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateSlug checks slug length and format (lowercase alphanumeric
// with single hyphens).
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: slug cannot be empty", ErrInvalidSlug)
	}
	if len(slug) > maxSlugLength {
		return fmt.Errorf("%w: slug exceeds %d characters", ErrInvalidSlug, maxSlugLength)
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: slug must be lowercase alphanumeric with hyphens", ErrInvalidSlug)
	}
	return nil
}

// ValidateAddress checks that addr is a well-formed BLE MAC address.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	if !bleRegex.MatchString(addr) {
		return fmt.Errorf("%w: %q is not a valid BLE MAC address", ErrInvalidAddress, addr)
	}
	return nil
}

// ValidateHealthStatus checks that status is one of the known values.
func ValidateHealthStatus(status HealthStatus) error {
	if _, ok := validHealthStatus[status]; ok {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, status)
}

// GenerateSlug derives a URL-safe slug from a display name: lowercased,
// separators turned into hyphens, everything else stripped, truncated
// to the slug length limit.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	slug = result.String()

	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}

	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}

	return slug
}

// GenerateID returns a fresh device id.
func GenerateID() string {
	return uuid.New().String()
}
