package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
)

const (
	// Size limits
	MaxIDSize           = 512             // 512 bytes
	MaxPartitionKeySize = 256             // 256 bytes
	MaxPayloadSize      = 4 * 1024 * 1024 // 4 MB
)

// Validator validates record addressing before it reaches a store
type Validator struct {
	maxIDSize           int
	maxPartitionKeySize int
	maxPayloadSize      int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxIDSize:           MaxIDSize,
		maxPartitionKeySize: MaxPartitionKeySize,
		maxPayloadSize:      MaxPayloadSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxPartitionKeySize, maxPayloadSize int) *Validator {
	return &Validator{
		maxIDSize:           maxIDSize,
		maxPartitionKeySize: maxPartitionKeySize,
		maxPayloadSize:      maxPayloadSize,
	}
}

// ValidateKey validates a (partition key, id) address
func (v *Validator) ValidateKey(partitionKey, id string) error {
	if err := v.ValidatePartitionKey(partitionKey); err != nil {
		return err
	}
	return v.ValidateID(id)
}

// ValidateRecord validates a record before it is stored or archived
func (v *Validator) ValidateRecord(r *model.Record) error {
	if r == nil {
		return errors.InvalidArgument("record is nil", nil)
	}
	if err := v.ValidateKey(r.PartitionKey, r.ID); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		return errors.InvalidArgument(fmt.Sprintf("record %s has zero timestamp", r.Key()), nil)
	}
	if !model.TimestampInRange(r.Timestamp) {
		return errors.InvalidArgument(fmt.Sprintf("record %s timestamp %s is outside %s..%s",
			r.Key(), r.Timestamp.Format(time.RFC3339), model.MinTimestamp.Format(time.RFC3339),
			model.MaxTimestamp.Format(time.RFC3339)), nil)
	}
	if len(r.Payload) > v.maxPayloadSize {
		return errors.InvalidArgument(
			fmt.Sprintf("payload size %d exceeds maximum %d", len(r.Payload), v.maxPayloadSize), nil).
			WithDetail("size", len(r.Payload)).
			WithDetail("max_size", v.maxPayloadSize)
	}
	return nil
}

// ValidatePartitionKey validates a partition key
func (v *Validator) ValidatePartitionKey(partitionKey string) error {
	if partitionKey == "" {
		return invalidComponent("partition key", partitionKey, "cannot be empty")
	}
	if len(partitionKey) > v.maxPartitionKeySize {
		return invalidComponent("partition key", partitionKey,
			fmt.Sprintf("exceeds maximum size of %d bytes", v.maxPartitionKeySize))
	}
	return checkCharacters("partition key", partitionKey)
}

// ValidateID validates a record id
func (v *Validator) ValidateID(id string) error {
	if id == "" {
		return invalidComponent("id", id, "cannot be empty")
	}
	if len(id) > v.maxIDSize {
		return invalidComponent("id", id, fmt.Sprintf("exceeds maximum size of %d bytes", v.maxIDSize))
	}
	return checkCharacters("id", id)
}

// checkCharacters rejects the composite-key separator and control characters
func checkCharacters(component, value string) error {
	if strings.Contains(value, model.KeySeparator) {
		return invalidComponent(component, value, "cannot contain null bytes")
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return invalidComponent(component, value, "cannot contain control characters")
		}
	}
	return nil
}

func invalidComponent(component, value, reason string) *errors.StorageError {
	return errors.InvalidArgument(fmt.Sprintf("invalid %s '%s': %s", component, SanitizeForLog(value), reason), nil).
		WithDetail("component", component).
		WithDetail("reason", reason)
}

// SanitizeForLog strips control characters and truncates, so rejected input
// can be echoed in errors and logs
func SanitizeForLog(value string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if len(sanitized) > 64 {
		sanitized = sanitized[:64] + "..."
	}
	return sanitized
}
