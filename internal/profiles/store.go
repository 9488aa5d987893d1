package profiles

import (
	"errors"
	"fmt"

	"github.com/gluk-w/claworc/shellkeeper/internal/crypto"
	"github.com/gluk-w/claworc/shellkeeper/internal/database"
	"gorm.io/gorm"
)

// Store is the backend catalog, persisted with gorm. Credentials are kept as
// fernet tokens and decrypted on Resolve.
type Store struct {
	db  *gorm.DB
	box *crypto.Box
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, box: crypto.NewBox(db)}
}

// Upsert validates p and inserts or replaces it.
func (s *Store) Upsert(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	password, err := s.box.Encrypt(p.Password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	key, err := s.box.Encrypt(string(p.PrivateKey))
	if err != nil {
		return fmt.Errorf("encrypt private key: %w", err)
	}

	row := database.Profile{
		ID:          p.ID,
		DisplayName: p.Name(),
		Type:        p.Type,
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
		Password:    password,
		PrivateKey:  key,
		Shell:       p.Shell,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("save profile %q: %w", p.ID, err)
	}
	return nil
}

// Resolve implements Catalog.
func (s *Store) Resolve(id string) (Profile, error) {
	var row database.Profile
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
		}
		return Profile{}, fmt.Errorf("load profile %q: %w", id, err)
	}
	return s.fromRow(row)
}

// List implements Catalog. Results are ordered by id.
func (s *Store) List() ([]Profile, error) {
	var rows []database.Profile
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]Profile, 0, len(rows))
	for _, row := range rows {
		p, err := s.fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) Delete(id string) error {
	res := s.db.Delete(&database.Profile{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete profile %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return nil
}

func (s *Store) fromRow(row database.Profile) (Profile, error) {
	password, err := s.box.Decrypt(row.Password)
	if err != nil {
		return Profile{}, fmt.Errorf("decrypt password for %q: %w", row.ID, err)
	}
	key, err := s.box.Decrypt(row.PrivateKey)
	if err != nil {
		return Profile{}, fmt.Errorf("decrypt private key for %q: %w", row.ID, err)
	}
	p := Profile{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		Type:        row.Type,
		Host:        row.Host,
		Port:        row.Port,
		Username:    row.Username,
		Password:    password,
		Shell:       row.Shell,
	}
	if key != "" {
		p.PrivateKey = []byte(key)
	}
	return p, nil
}
