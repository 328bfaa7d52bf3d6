//go:build !linux

package terminal

func processCwd(int) (string, bool, error) {
	return "", false, nil
}
