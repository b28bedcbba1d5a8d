package execution

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"executor/internal/apperrors"
)

// Validation limits
const (
	maxOwnerRefLength = 256
	maxImageLength    = 512
	maxCPU            = 64    // cores
	maxMemory         = 65536 // MB (64GB)
	maxTimeoutSecs    = 86400 // 24 hours
	maxMetaKeyLen     = 64
	maxMetaValueLen   = 256
	maxMetaEntries    = 32
	maxEnvEntries     = 128
	maxCallbackEvents = 16
)

// Defaults applied to unspecified spec fields.
const (
	DefaultCPU            = 1
	DefaultMemory         = 512
	DefaultTimeoutSeconds = 1800
)

// ApplyDefaults sets default values for unspecified spec fields.
func ApplyDefaults(spec *Spec) {
	if spec.TimeoutSeconds <= 0 {
		spec.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if spec.CPU <= 0 {
		spec.CPU = DefaultCPU
	}
	if spec.Memory <= 0 {
		spec.Memory = DefaultMemory
	}
}

// Validate checks a submission. Does not modify the spec.
func Validate(ownerRef string, spec *Spec) error {
	if ownerRef == "" {
		return apperrors.Validation("ownerRef", "owner reference is required")
	}
	if len(ownerRef) > maxOwnerRefLength {
		return apperrors.Validation("ownerRef", fmt.Sprintf("owner reference exceeds maximum length of %d", maxOwnerRefLength))
	}

	if strings.TrimSpace(spec.Image) == "" {
		return apperrors.Validation("image", "image is required")
	}
	if len(spec.Image) > maxImageLength {
		return apperrors.Validation("image", fmt.Sprintf("image exceeds maximum length of %d", maxImageLength))
	}

	if spec.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", maxTimeoutSecs))
	}
	if spec.CPU > maxCPU {
		return apperrors.Validation("cpu", fmt.Sprintf("CPU exceeds maximum of %d cores", maxCPU))
	}
	if spec.Memory > maxMemory {
		return apperrors.Validation("memory", fmt.Sprintf("memory exceeds maximum of %d MB", maxMemory))
	}

	if len(spec.Environment) > maxEnvEntries {
		return apperrors.Validation("environment", fmt.Sprintf("environment exceeds maximum of %d entries", maxEnvEntries))
	}
	for k := range spec.Environment {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return apperrors.Validation("environment", fmt.Sprintf("invalid environment variable name %q", k))
		}
	}

	if len(spec.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range spec.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	if spec.Callback != nil {
		if err := validateURL(spec.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(spec.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range spec.Callback.Events {
			if !slices.Contains(EventTypes, e) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown callback event %q", e))
			}
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
