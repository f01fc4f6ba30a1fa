package netfilter

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
)

// Resolver looks up the IPv4 addresses a hostname currently resolves
// to. The default implementation wraps the system resolver; tests
// substitute a fixed table.
type Resolver interface {
	LookupIPs(ctx context.Context, host string) ([]string, error)
}

// DNSResolver is the system-resolver backed Resolver.
type DNSResolver struct {
	r *net.Resolver
}

// NewDNSResolver returns a Resolver using the host's stub resolver.
func NewDNSResolver() *DNSResolver {
	return &DNSResolver{r: net.DefaultResolver}
}

func (d *DNSResolver) LookupIPs(ctx context.Context, host string) ([]string, error) {
	addrs, err := d.r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.String())
	}
	return ips, nil
}

// hostRecord is one hostname's latest resolution outcome.
type hostRecord struct {
	IPs        []string
	ResolvedAt time.Time
	Err        error
}

// resolveHost resolves one hostname with bounded retries and
// exponential backoff. Each attempt carries its own timeout so a hung
// resolver cannot stall the caller past attempts*(timeout+backoff).
func resolveHost(ctx context.Context, resolver Resolver, host string, settings config.FilterSettings) ([]string, error) {
	var lastErr error
	backoff := settings.DNSBackoff
	for attempt := 0; attempt < settings.DNSAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, settings.DNSTimeout)
		ips, err := resolver.LookupIPs(attemptCtx, host)
		cancel()
		if err == nil {
			if len(ips) == 0 {
				lastErr = fmt.Errorf("resolve %s: no addresses", host)
				continue
			}
			sort.Strings(ips)
			return ips, nil
		}
		lastErr = fmt.Errorf("resolve %s: %w", host, err)
	}
	return nil, lastErr
}

// resolveAll resolves every hostname independently. A failing host is
// recorded with its error and simply contributes nothing to the union;
// it never aborts the other lookups.
func resolveAll(ctx context.Context, resolver Resolver, hosts []string, settings config.FilterSettings) map[string]hostRecord {
	records := make(map[string]hostRecord, len(hosts))
	for _, host := range hosts {
		ips, err := resolveHost(ctx, resolver, host, settings)
		records[host] = hostRecord{IPs: ips, ResolvedAt: time.Now(), Err: err}
	}
	return records
}

// unionIPs computes the sorted union IP set across all resolved hosts.
func unionIPs(records map[string]hostRecord) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, ip := range rec.IPs {
			seen[ip] = struct{}{}
		}
	}
	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
