package utils

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

func ReadFile(filename string) ([]byte, error) {
	body, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to read file %s: %w", filename, err)
	}
	return body, nil
}

func WriteToFile(filename string, data []byte) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(data)
	if err != nil {
		return err
	}

	return nil
}

// BlockList is a fixed set of peer addresses, loaded once at startup.
type BlockList map[netip.Addr]struct{}

// LoadBlockList reads one IP per line from filename. Blank lines and lines
// starting with '#' are skipped. A missing file is created empty.
func LoadBlockList(filename string) (BlockList, error) {
	raw, err := ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BlockList{}, WriteToFile(filename, []byte(""))
		}
		return nil, err
	}

	list := BlockList{}
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ip, err := netip.ParseAddr(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid IP %q", filename, i+1, line)
		}
		list[ip.Unmap()] = struct{}{}
	}
	return list, nil
}

// IsIPBlocked reports whether ip is on the list. A nil list blocks nothing.
func (b BlockList) IsIPBlocked(ip netip.Addr) bool {
	if len(b) == 0 {
		return false
	}
	_, ok := b[ip.Unmap()]
	return ok
}
