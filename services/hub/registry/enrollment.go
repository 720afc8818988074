package registry

import (
	"fmt"

	"masond/pkg/keys"
	"masond/services/hub/fault"
)

// Issuer describes the service offering one side of an enrollment.
type Issuer struct {
	PublicKey   string `json:"publicKey"`
	URL         string `json:"url"`
	Role        Role   `json:"role"`
	Arch        string `json:"arch,omitempty"`
	AdminName   string `json:"adminName"`
	AdminEmail  string `json:"adminEmail"`
	Description string `json:"description"`
}

// Validate checks the issuer descriptor is complete and its key decodes.
func (i Issuer) Validate() error {
	if i.URL == "" {
		return fmt.Errorf("%w: issuer url is required", fault.ErrInvalid)
	}
	if _, err := ParseRole(string(i.Role)); err != nil {
		return err
	}
	if _, err := keys.DecodePublicKey(i.PublicKey); err != nil {
		return fmt.Errorf("%w: issuer public key: %v", fault.ErrInvalid, err)
	}
	return nil
}

// EnrollmentRequest is the payload of the Enroll and Accept calls. The
// issue token is a credential minted by the sender for the receiver, so the
// receiver can call the sender back.
type EnrollmentRequest struct {
	Issuer     Issuer `json:"issuer"`
	IssueToken string `json:"issueToken"`
}

// Validate checks the request payload.
func (r EnrollmentRequest) Validate() error {
	if err := r.Issuer.Validate(); err != nil {
		return err
	}
	if r.IssueToken == "" {
		return fmt.Errorf("%w: issue token is required", fault.ErrInvalid)
	}
	return nil
}

// Target is a peer the hub enrolls with on startup.
type Target struct {
	Host        string `yaml:"host"`
	PublicKey   string `yaml:"publicKey"`
	Role        Role   `yaml:"role"`
	Arch        string `yaml:"arch"`
	Description string `yaml:"description"`
}
