package key

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
)

// File names used inside a key folder.
const (
	clusterFileName       = "cluster.toml"
	clusterPublicFileName = "cluster.public.toml"
)

// Permissions: private material is owner-only.
const (
	dirPerm     = 0o700
	privatePerm = 0o600
	publicPerm  = 0o644
)

// FileStore saves and loads cluster key material as TOML files in one folder.
type FileStore struct {
	folder string
}

// NewFileStore creates the folder if needed and returns a store over it.
func NewFileStore(folder string) (*FileStore, error) {
	if err := os.MkdirAll(folder, dirPerm); err != nil {
		return nil, fmt.Errorf("key: creating folder %q: %w", folder, err)
	}
	return &FileStore{folder: folder}, nil
}

// SaveCluster writes both the private key file and the public identity file.
func (s *FileStore) SaveCluster(k *ClusterKeys) error {
	if err := writeTOML(path.Join(s.folder, clusterFileName), k.TOML(), privatePerm); err != nil {
		return err
	}
	return writeTOML(path.Join(s.folder, clusterPublicFileName), k.Public().TOML(), publicPerm)
}

// LoadCluster reads the private key file.
func (s *FileStore) LoadCluster() (*ClusterKeys, error) {
	t := new(ClusterTOML)
	if _, err := toml.DecodeFile(path.Join(s.folder, clusterFileName), t); err != nil {
		return nil, fmt.Errorf("key: reading cluster keys: %w", err)
	}
	k := new(ClusterKeys)
	if err := k.FromTOML(t); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadClusterPublic reads the public identity file.
func (s *FileStore) LoadClusterPublic() (*ClusterPublic, error) {
	t := new(ClusterPublicTOML)
	if _, err := toml.DecodeFile(path.Join(s.folder, clusterPublicFileName), t); err != nil {
		return nil, fmt.Errorf("key: reading cluster public identity: %w", err)
	}
	p := new(ClusterPublic)
	if err := p.FromTOML(t); err != nil {
		return nil, err
	}
	return p, nil
}

func writeTOML(file string, v interface{}, perm os.FileMode) error {
	fd, err := os.OpenFile(file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("key: opening %q: %w", file, err)
	}
	defer fd.Close()

	if err := toml.NewEncoder(fd).Encode(v); err != nil {
		return fmt.Errorf("key: encoding %q: %w", file, err)
	}
	return nil
}
