package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	goipam "github.com/metal-stack/go-ipam"

	"github.com/cml-project/cmld/internal/config"
)

const (
	ipamDir         = "ipam"
	ipamStorageFile = "ipam.json"
)

// Allocator hands out addresses for compartment veth links from
// per-compartment subnets, persisting allocations across daemon restarts.
type Allocator struct {
	ipamer goipam.Ipamer
}

// NewAllocator creates an allocator with file-backed storage below the
// daemon state directory.
func NewAllocator() (*Allocator, error) {
	path := filepath.Join(config.Root, ipamDir, ipamStorageFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	ctx := context.Background()
	storage := goipam.NewLocalFile(ctx, path)
	return &Allocator{ipamer: goipam.NewWithStorage(storage)}, nil
}

// getPrefix returns the existing prefix or creates it when allowCreate is
// set.
func (a *Allocator) getPrefix(subnet *net.IPNet, allowCreate bool) (string, error) {
	ctx := context.Background()
	if prefix, err := a.ipamer.PrefixFrom(ctx, subnet.String()); err == nil {
		return prefix.Cidr, nil
	}
	if !allowCreate {
		return "", fmt.Errorf("prefix %s not found", subnet)
	}
	prefix, err := a.ipamer.NewPrefix(ctx, subnet.String())
	if err != nil {
		return "", fmt.Errorf("failed to create prefix: %w", err)
	}
	return prefix.Cidr, nil
}

// RequestIP acquires an unused address from subnet, creating the prefix on
// first use.
func (a *Allocator) RequestIP(subnet *net.IPNet) (*net.IPNet, error) {
	prefix, err := a.getPrefix(subnet, true)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	ip, err := a.ipamer.AcquireIP(ctx, prefix)
	if err != nil {
		return nil, err
	}

	return &net.IPNet{
		IP:   net.ParseIP(ip.IP.String()),
		Mask: subnet.Mask,
	}, nil
}

// ReleaseIP returns an address to its prefix.
func (a *Allocator) ReleaseIP(ipNet *net.IPNet) error {
	ctx := context.Background()
	prefix := &net.IPNet{IP: ipNet.IP.Mask(ipNet.Mask), Mask: ipNet.Mask}
	return a.ipamer.ReleaseIPFromPrefix(ctx, prefix.String(), ipNet.IP.String())
}

// ReleasePrefix removes a subnet once all its addresses are released.
func (a *Allocator) ReleasePrefix(subnet *net.IPNet) error {
	ctx := context.Background()
	if _, err := a.ipamer.DeletePrefix(ctx, subnet.String()); err != nil {
		return fmt.Errorf("failed to release prefix %s: %w", subnet, err)
	}
	return nil
}
