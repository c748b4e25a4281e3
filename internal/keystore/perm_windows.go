package keystore

import (
	"os"

	"github.com/hectane/go-acl"
)

// restrict replaces the inherited ACL so only the owner can access path.
func restrict(path string, mode os.FileMode) error {
	return acl.Chmod(path, mode)
}
