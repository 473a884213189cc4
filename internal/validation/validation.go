// Package validation gates inbound uploads before they reach the ingest
// gateway: file format and size checks plus the SKU and facility
// whitelists.
package validation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxImageSizeBytes caps uploads at 16 MiB unless configured otherwise
const DefaultMaxImageSizeBytes = 16 << 20

var allowedMIMETypes = []string{"image/jpeg", "image/png", "image/webp"}

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// AllowedFacilities is the set of facility codes accepted at ingest
var AllowedFacilities = []string{"hongkong", "shenzhen", "yangjiang"}

// AllowedProductSKUs is the set of product SKUs accepted at ingest
var AllowedProductSKUs = []string{
	"WK-KN-200", "WK-KN-150", "WK-KN-100",
	"WK-SC-200", "WK-CI-200", "WK-CI-280",
}

// ValidateImage checks extension, size, and content sniffed from magic
// bytes. maxSize <= 0 falls back to the default cap.
func ValidateImage(filename string, data []byte, maxSize int64) error {
	if filename == "" {
		return fmt.Errorf("no file provided")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return fmt.Errorf("invalid file extension %q, allowed: jpg, jpeg, png, webp", ext)
	}

	if len(data) == 0 {
		return fmt.Errorf("empty file")
	}

	if maxSize <= 0 {
		maxSize = DefaultMaxImageSizeBytes
	}
	if int64(len(data)) > maxSize {
		return fmt.Errorf("file too large, maximum size: %d bytes", maxSize)
	}

	detected := mimetype.Detect(data)
	for _, allowed := range allowedMIMETypes {
		if detected.Is(allowed) {
			return nil
		}
	}

	return fmt.Errorf("invalid file type %q, file signature does not match allowed image formats", detected.String())
}

// ValidateProductSKU normalizes and checks a product SKU against the
// whitelist, returning the normalized form.
func ValidateProductSKU(sku string) (string, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return "", fmt.Errorf("product SKU is required")
	}

	for _, allowed := range AllowedProductSKUs {
		if sku == allowed {
			return sku, nil
		}
	}

	return "", fmt.Errorf("invalid product SKU %q, allowed: %s", sku, strings.Join(sortedCopy(AllowedProductSKUs), ", "))
}

// ValidateFacility normalizes and checks a facility code against the
// whitelist, returning the normalized form.
func ValidateFacility(facility string) (string, error) {
	facility = strings.ToLower(strings.TrimSpace(facility))
	if facility == "" {
		return "", fmt.Errorf("facility is required")
	}

	for _, allowed := range AllowedFacilities {
		if facility == allowed {
			return facility, nil
		}
	}

	return "", fmt.Errorf("invalid facility %q, allowed: %s", facility, strings.Join(AllowedFacilities, ", "))
}

// SanitizeFilename strips path components and control bytes so an uploaded
// filename can never traverse outside its container.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	filename = strings.ReplaceAll(filename, "\x00", "")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		name := strings.TrimSuffix(filename, ext)
		if len(name) > 250 {
			name = name[:250]
		}
		filename = name + ext
	}

	return filename
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}
