// Package profiles is the connection-profile catalog: it resolves a
// connection id to the host, display name, and credentials of a remote shell.
package profiles

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrProfileNotFound is returned when no profile has the requested id.
var ErrProfileNotFound = errors.New("profile not found")

// TypeSSH is the only profile type the shell driver knows how to start.
const TypeSSH = "ssh"

// Profile describes one remote shell target.
type Profile struct {
	ID          string
	DisplayName string
	Type        string
	Host        string
	Port        int
	Username    string
	Password    string
	PrivateKey  []byte
	Shell       string
}

// Summary is the credential-free view of a Profile shared with clients.
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
}

// Summary strips credentials.
func (p Profile) Summary() Summary {
	return Summary{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Type:        p.Type,
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
	}
}

// Address returns host:port for dialing.
func (p Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Name returns the display name, or the id when none is set.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// Validate fills defaults and rejects incomplete profiles.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if p.Host == "" {
		return fmt.Errorf("profile %q: host is required", p.ID)
	}
	if p.Type == "" {
		p.Type = TypeSSH
	}
	if p.Type != TypeSSH {
		return fmt.Errorf("profile %q: unsupported type %q", p.ID, p.Type)
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("profile %q: invalid port %d", p.ID, p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("profile %q: username is required", p.ID)
	}
	return nil
}

// Catalog resolves connection ids to profiles.
type Catalog interface {
	Resolve(id string) (Profile, error)
	List() ([]Profile, error)
}
