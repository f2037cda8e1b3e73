// Package discovery announces and finds workers with mDNS/DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
)

// MDNS implements domain.WorkerDiscoverer with zeroconf.
type MDNS struct {
	service     string
	domain      string
	scanTimeout time.Duration
	bus         domain.EventBus
	logger      *slog.Logger
}

var _ domain.WorkerDiscoverer = (*MDNS)(nil)

// NewMDNS creates a discoverer. bus may be nil; when set, every worker found
// by Scan is published as worker.discovered.
func NewMDNS(cfg config.DiscoveryConfig, bus domain.EventBus, logger *slog.Logger) *MDNS {
	d := &MDNS{
		service:     cfg.Service,
		domain:      cfg.Domain,
		scanTimeout: cfg.ScanTimeout,
		bus:         bus,
		logger:      logger,
	}
	if d.service == "" {
		d.service = "_llmshell._tcp"
	}
	if d.domain == "" {
		d.domain = "local."
	}
	if d.scanTimeout <= 0 {
		d.scanTimeout = 3 * time.Second
	}
	return d
}

// Scan browses for workers. Entries announcing the same id are merged.
func (d *MDNS) Scan(ctx context.Context) ([]domain.WorkerInfo, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, domain.NewDomainError("MDNS.Scan", domain.ErrDiscoveryUnavailable, err.Error())
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	found := make(map[string]domain.WorkerInfo)
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			info, ok := entryToWorker(entry)
			if !ok {
				continue
			}
			mu.Lock()
			found[info.ID] = info
			mu.Unlock()
			d.logger.Debug("mdns discovered worker", "id", info.ID, "address", info.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, d.service, d.domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, domain.NewDomainError("MDNS.Scan", domain.ErrDiscoveryUnavailable, err.Error())
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	workers := make([]domain.WorkerInfo, 0, len(found))
	for _, w := range found {
		workers = append(workers, w)
	}
	mu.Unlock()
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	if d.bus != nil {
		for _, w := range workers {
			d.bus.Publish(ctx, domain.NewEvent(domain.EventWorkerDiscovered, "", domain.WorkerEventPayload{
				Name:      w.Name,
				Address:   w.Address,
				Transport: w.Transport,
			}))
		}
	}
	return workers, nil
}

// Advertise registers the worker and blocks until ctx is cancelled. An empty
// info.ID gets a fresh UUID.
func (d *MDNS) Advertise(ctx context.Context, info domain.WorkerInfo, port int) error {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Name == "" {
		info.Name = "llmshell-worker"
	}

	server, err := zeroconf.Register(info.Name, d.service, d.domain, port, workerTXT(info), nil)
	if err != nil {
		return domain.NewDomainError("MDNS.Advertise", domain.ErrDiscoveryUnavailable, err.Error())
	}

	d.logger.Info("mdns advertising", "name", info.Name, "id", info.ID, "port", port, "transport", info.Transport)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func workerTXT(info domain.WorkerInfo) []string {
	txt := []string{"id=" + info.ID, "transport=" + info.Transport}
	if info.Device != "" {
		txt = append(txt, "device="+info.Device)
	}
	keys := make([]string, 0, len(info.Metadata))
	for k := range info.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch k {
		case "id", "transport", "device":
			continue
		}
		txt = append(txt, k+"="+info.Metadata[k])
	}
	return txt
}

// entryToWorker converts a browse result. Entries without an id or an address
// are not ours or not reachable.
func entryToWorker(entry *zeroconf.ServiceEntry) (domain.WorkerInfo, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return domain.WorkerInfo{}, false
	}

	meta := parseTXTRecords(entry.Text)
	id := meta["id"]
	if id == "" {
		return domain.WorkerInfo{}, false
	}
	transport := meta["transport"]
	if transport == "" {
		transport = "ws"
	}
	return domain.WorkerInfo{
		ID:        id,
		Name:      entry.ServiceRecord.Instance,
		Address:   net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Transport: transport,
		Device:    meta["device"],
		LastSeen:  time.Now(),
		Metadata:  meta,
	}, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

// FormatWorker renders a discovered worker as one line for the CLI.
func FormatWorker(w domain.WorkerInfo) string {
	s := fmt.Sprintf("%-24s %-5s %s", w.Name, w.Transport, w.Address)
	if w.Device != "" {
		s += "  (" + w.Device + ")"
	}
	return s
}
