// Package resources aggregates live resource usage per account and for the host.
package resources

import (
	"context"
	"errors"
	"path"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/diycloud/usermgmt/internal/telemetry"
	"github.com/diycloud/usermgmt/internal/usage"
)

// DefaultHomeRoot is the directory holding per-account storage areas.
const DefaultHomeRoot = "/home"

// AcceleratorUsage is one accelerator process owned by the account.
type AcceleratorUsage struct {
	PID      int32
	MemoryMB int64
}

// Snapshot is a point-in-time usage reading for one account. It is never persisted.
type Snapshot struct {
	AccountID    string
	Username     string
	CPUPercent   float64
	MemMB        float64
	DiskMB       int64
	Accelerators []AcceleratorUsage
}

// AcceleratorSummary describes accelerator availability on the host.
type AcceleratorSummary struct {
	Available bool
	Devices   []usage.AcceleratorDevice
}

// System is the host-wide capacity picture.
type System struct {
	usage.SystemInventory
	Accelerators AcceleratorSummary
}

// Service computes usage snapshots from an Introspector.
type Service struct {
	store    repository.Store
	gate     *auth.Gate
	intro    usage.Introspector
	homeRoot string
	logger   zerolog.Logger
}

// NewService constructs a new Service instance.
func NewService(store repository.Store, gate *auth.Gate, intro usage.Introspector) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		intro:    intro,
		homeRoot: DefaultHomeRoot,
		logger:   zerolog.Nop(),
	}
}

// WithHomeRoot sets the parent directory of account storage areas.
func (s *Service) WithHomeRoot(dir string) *Service {
	if dir != "" {
		s.homeRoot = dir
	}
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger zerolog.Logger) *Service {
	s.logger = logger
	return s
}

// Usage returns the live usage of account id. Owner or admin.
//
// Process listing, disk usage and accelerator telemetry are queried
// concurrently. Accelerator failures degrade to an empty list; the other two
// fail the request.
func (s *Service) Usage(ctx context.Context, p auth.Principal, id string) (*Snapshot, error) {
	if err := s.gate.Authorize(p, auth.UsageRead, id); err != nil {
		return nil, err
	}
	account, err := s.store.Repositories().Accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerUsage, "resources.Usage",
		attribute.String(telemetry.AttrUsername, account.Username),
	)
	defer span.End()

	var (
		procs   []usage.Process
		diskMB  int64
		accProc []usage.AcceleratorProcess
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		procs, err = s.intro.ListProcesses(gctx, account.Username)
		return err
	})
	g.Go(func() error {
		var err error
		diskMB, err = s.intro.DiskUsage(gctx, path.Join(s.homeRoot, account.Username))
		if errors.Is(err, usage.ErrPathNotFound) {
			s.logger.Debug().Err(err).Str("username", account.Username).Msg("home directory missing, reporting no disk usage")
			diskMB = 0
			return nil
		}
		return err
	})
	g.Go(func() error {
		var err error
		accProc, err = s.intro.AcceleratorProcesses(gctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("username", account.Username).Msg("accelerator telemetry unavailable")
			accProc = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	snap := &Snapshot{
		AccountID:    account.ID,
		Username:     account.Username,
		DiskMB:       diskMB,
		Accelerators: []AcceleratorUsage{},
	}
	owned := make(map[int32]struct{}, len(procs))
	for _, proc := range procs {
		snap.CPUPercent += proc.CPUPercent
		snap.MemMB += proc.ResidentMB
		owned[proc.PID] = struct{}{}
	}
	for _, ap := range accProc {
		if _, ok := owned[ap.PID]; ok {
			snap.Accelerators = append(snap.Accelerators, AcceleratorUsage{PID: ap.PID, MemoryMB: ap.MemoryMB})
		}
	}
	return snap, nil
}

// System returns host capacity and accelerator inventory. Admin only.
// A failing or empty accelerator inventory reports Available=false.
func (s *Service) System(ctx context.Context, p auth.Principal) (*System, error) {
	if err := s.gate.Authorize(p, auth.SystemRead, ""); err != nil {
		return nil, err
	}

	var (
		inv     usage.SystemInventory
		devices []usage.AcceleratorDevice
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inv, err = s.intro.SystemInventory(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		devices, err = s.intro.AcceleratorInventory(gctx)
		if err != nil {
			s.logger.Debug().Err(err).Msg("accelerator inventory unavailable")
			devices = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &System{
		SystemInventory: inv,
		Accelerators:    AcceleratorSummary{Available: len(devices) > 0, Devices: devices},
	}
	if out.Accelerators.Devices == nil {
		out.Accelerators.Devices = []usage.AcceleratorDevice{}
	}
	return out, nil
}
