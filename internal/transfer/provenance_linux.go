//go:build linux

package transfer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// provenanceAttr is the freedesktop attribute browsers set on downloads.
const provenanceAttr = "user.xdg.origin.url"

const provenanceValue = "netplay://host"

func markDownloaded(path string) error {
	err := unix.Setxattr(path, provenanceAttr, []byte(provenanceValue), 0)
	// tmpfs and some other file systems have no user xattrs
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not set %s: %w", provenanceAttr, err)
	}
	return nil
}

func downloadedTag(path string) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Getxattr(path, provenanceAttr, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
