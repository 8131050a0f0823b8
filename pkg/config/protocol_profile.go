package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProtocolProfile pins the protocol timing constants for one deployment.
// Deadline arithmetic must agree across every node of a deployment, so
// these never come from ad-hoc environment variables; they are loaded
// from a reviewed profile file.
type ProtocolProfile struct {
	Name string `yaml:"name" json:"name"`

	// ConcentMessagingTime is the per-hop messaging overhead budget.
	ConcentMessagingTime time.Duration `yaml:"concent_messaging_time" json:"concent_messaging_time"`
	// MinimumUploadRate is the assumed worst-case transfer rate in
	// bytes per second.
	MinimumUploadRate uint64 `yaml:"minimum_upload_rate" json:"minimum_upload_rate"`
	// DownloadLeadinTime is the fixed lead-in added to every transfer
	// budget.
	DownloadLeadinTime time.Duration `yaml:"download_leadin_time" json:"download_leadin_time"`

	// CustomProtocolTimes selects the deployment-specific verification
	// window instead of the upstream reference formula.
	CustomProtocolTimes    bool          `yaml:"custom_protocol_times" json:"custom_protocol_times"`
	CustomVerificationTime time.Duration `yaml:"custom_verification_time" json:"custom_verification_time"`

	ForceAcceptanceTime time.Duration `yaml:"force_acceptance_time" json:"force_acceptance_time"`
	PaymentDueTime      time.Duration `yaml:"payment_due_time" json:"payment_due_time"`

	// AdditionalVerificationCost is the fixed pre-paid fee a provider
	// must cover in full to request additional verification.
	AdditionalVerificationCost uint64 `yaml:"additional_verification_cost" json:"additional_verification_cost"`
	// AdditionalVerificationTimeMultiplier scales the verification
	// window when the pipeline deadline is derived from it.
	AdditionalVerificationTimeMultiplier float64 `yaml:"additional_verification_time_multiplier" json:"additional_verification_time_multiplier"`
}

// DefaultProtocolProfile returns the upstream protocol's reference
// constants.
func DefaultProtocolProfile() *ProtocolProfile {
	return &ProtocolProfile{
		Name:                                 "default",
		ConcentMessagingTime:                 4 * time.Hour,
		MinimumUploadRate:                    384,
		DownloadLeadinTime:                   3 * time.Second,
		CustomProtocolTimes:                  false,
		CustomVerificationTime:               30 * time.Minute,
		ForceAcceptanceTime:                  24 * time.Hour,
		PaymentDueTime:                       24 * time.Hour,
		AdditionalVerificationCost:           1,
		AdditionalVerificationTimeMultiplier: 2.0,
	}
}

// UnmarshalYAML accepts Go duration strings ("4h", "30m") for the timing
// fields; yaml.v3 cannot decode those into time.Duration on its own.
// Fields absent from the node keep whatever the receiver already holds.
func (p *ProtocolProfile) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name                                 *string  `yaml:"name"`
		ConcentMessagingTime                 *string  `yaml:"concent_messaging_time"`
		MinimumUploadRate                    *uint64  `yaml:"minimum_upload_rate"`
		DownloadLeadinTime                   *string  `yaml:"download_leadin_time"`
		CustomProtocolTimes                  *bool    `yaml:"custom_protocol_times"`
		CustomVerificationTime               *string  `yaml:"custom_verification_time"`
		ForceAcceptanceTime                  *string  `yaml:"force_acceptance_time"`
		PaymentDueTime                       *string  `yaml:"payment_due_time"`
		AdditionalVerificationCost           *uint64  `yaml:"additional_verification_cost"`
		AdditionalVerificationTimeMultiplier *float64 `yaml:"additional_verification_time_multiplier"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	durations := []struct {
		dst *time.Duration
		src *string
	}{
		{&p.ConcentMessagingTime, raw.ConcentMessagingTime},
		{&p.DownloadLeadinTime, raw.DownloadLeadinTime},
		{&p.CustomVerificationTime, raw.CustomVerificationTime},
		{&p.ForceAcceptanceTime, raw.ForceAcceptanceTime},
		{&p.PaymentDueTime, raw.PaymentDueTime},
	}
	for _, f := range durations {
		if f.src == nil {
			continue
		}
		d, err := time.ParseDuration(*f.src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *f.src, err)
		}
		*f.dst = d
	}

	if raw.Name != nil {
		p.Name = *raw.Name
	}
	if raw.MinimumUploadRate != nil {
		p.MinimumUploadRate = *raw.MinimumUploadRate
	}
	if raw.CustomProtocolTimes != nil {
		p.CustomProtocolTimes = *raw.CustomProtocolTimes
	}
	if raw.AdditionalVerificationCost != nil {
		p.AdditionalVerificationCost = *raw.AdditionalVerificationCost
	}
	if raw.AdditionalVerificationTimeMultiplier != nil {
		p.AdditionalVerificationTimeMultiplier = *raw.AdditionalVerificationTimeMultiplier
	}
	return nil
}

// LoadProtocolProfile reads a profile from a YAML file. Fields omitted in
// the file keep their reference defaults.
func LoadProtocolProfile(path string) (*ProtocolProfile, error) {
	p := DefaultProtocolProfile()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to parse protocol profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol profile %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects profiles that would break deadline arithmetic.
func (p *ProtocolProfile) Validate() error {
	if p.MinimumUploadRate == 0 {
		return fmt.Errorf("minimum_upload_rate must be positive")
	}
	if p.ConcentMessagingTime <= 0 {
		return fmt.Errorf("concent_messaging_time must be positive")
	}
	if p.CustomProtocolTimes && p.CustomVerificationTime <= 0 {
		return fmt.Errorf("custom_verification_time must be positive when custom_protocol_times is set")
	}
	if p.AdditionalVerificationCost == 0 {
		return fmt.Errorf("additional_verification_cost must be positive")
	}
	return nil
}
