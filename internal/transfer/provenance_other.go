//go:build !linux && !windows

package transfer

import "errors"

func markDownloaded(string) error { return nil }

func downloadedTag(string) (string, error) {
	return "", errors.ErrUnsupported
}
