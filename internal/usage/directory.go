package usage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// UnknownOwnerError is returned when the directory has no record of an owner.
type UnknownOwnerError struct {
	OwnerID string
}

func (e *UnknownOwnerError) Error() string {
	return fmt.Sprintf("unknown owner %q", e.OwnerID)
}

// Directory is the account subsystem as seen by usage accounting.
type Directory interface {
	ResolveOwnerTier(ctx context.Context, ownerID string) (TierInfo, error)
	ProjectsForOwner(ctx context.Context, ownerID string) ([]string, error)
	Owners(ctx context.Context) ([]string, error)
}

// Account is one owner's entry in a directory.
type Account struct {
	ID       string   `yaml:"id"`
	Tier     string   `yaml:"tier"`
	Projects []string `yaml:"projects"`
}

// StaticDirectory serves a fixed set of accounts.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticDirectory(accounts ...Account) *StaticDirectory {
	d := &StaticDirectory{}
	d.replace(accounts)
	return d
}

func (d *StaticDirectory) replace(accounts []Account) {
	m := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		m[a.ID] = a
	}

	d.mu.Lock()
	d.accounts = m
	d.mu.Unlock()
}

func (d *StaticDirectory) lookup(ownerID string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.accounts[ownerID]
	if !ok {
		return Account{}, &UnknownOwnerError{OwnerID: ownerID}
	}
	return a, nil
}

func (d *StaticDirectory) ResolveOwnerTier(_ context.Context, ownerID string) (TierInfo, error) {
	a, err := d.lookup(ownerID)
	if err != nil {
		return TierInfo{}, err
	}
	return ResolveTier(a.Tier), nil
}

func (d *StaticDirectory) ProjectsForOwner(_ context.Context, ownerID string) ([]string, error) {
	a, err := d.lookup(ownerID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), a.Projects...), nil
}

// Owners returns owner ids in lexical order.
func (d *StaticDirectory) Owners(context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	owners := make([]string, 0, len(d.accounts))
	for id := range d.accounts {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners, nil
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// FileDirectory loads accounts from a YAML file:
//
//	accounts:
//	  - id: acme
//	    tier: pro
//	    projects: [acme-site, acme-docs]
type FileDirectory struct {
	*StaticDirectory
	path string
}

func NewFileDirectory(path string) (*FileDirectory, error) {
	d := &FileDirectory{StaticDirectory: NewStaticDirectory(), path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the accounts file; on error the previous accounts stay in place.
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read accounts file %s: %w", d.path, err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse accounts file %s: %w", d.path, err)
	}

	for i, a := range file.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts file %s: entry %d has no id", d.path, i)
		}
	}

	d.replace(file.Accounts)
	return nil
}
