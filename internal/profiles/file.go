package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileProfile struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Shell          string `yaml:"shell"`
}

type fileDoc struct {
	Profiles []fileProfile `yaml:"profiles"`
}

// FileCatalog is a read-only catalog loaded from a YAML document of the form:
//
//	profiles:
//	  - id: web-1
//	    name: Web 1
//	    host: 10.0.0.5
//	    user: deploy
//	    private_key_file: ~/.ssh/id_ed25519
type FileCatalog struct {
	order []string
	byID  map[string]Profile
}

// LoadFile reads and parses a catalog file. Relative private_key_file paths
// are resolved against the catalog's directory.
func LoadFile(path string) (*FileCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a catalog document.
func Parse(data []byte, baseDir string) (*FileCatalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	c := &FileCatalog{byID: make(map[string]Profile, len(doc.Profiles))}
	for i, fp := range doc.Profiles {
		p := Profile{
			ID:          fp.ID,
			DisplayName: fp.Name,
			Type:        fp.Type,
			Host:        fp.Host,
			Port:        fp.Port,
			Username:    fp.User,
			Password:    fp.Password,
			Shell:       fp.Shell,
		}
		switch {
		case fp.PrivateKey != "":
			p.PrivateKey = []byte(fp.PrivateKey)
		case fp.PrivateKeyFile != "":
			key, err := os.ReadFile(expandPath(fp.PrivateKeyFile, baseDir))
			if err != nil {
				return nil, fmt.Errorf("profile %q: read private key: %w", fp.ID, err)
			}
			p.PrivateKey = key
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Resolve implements Catalog.
func (c *FileCatalog) Resolve(id string) (Profile, error) {
	p, ok := c.byID[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p, nil
}

// List implements Catalog, in file order.
func (c *FileCatalog) List() ([]Profile, error) {
	out := make([]Profile, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out, nil
}

// ImportFile upserts every profile of a catalog file into the store.
func ImportFile(store *Store, path string) (int, error) {
	c, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	list, _ := c.List()
	for _, p := range list {
		if err := store.Upsert(p); err != nil {
			return 0, err
		}
	}
	return len(list), nil
}

func expandPath(p, baseDir string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(baseDir, p)
	}
	return p
}
