//go:build integration

package integration

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/hcaqp-go/hw"
	"github.com/rocketbitz/hcaqp-go/internal/sim"
	"github.com/rocketbitz/hcaqp-go/qp"
)

type ManagerSuite struct {
	suite.Suite
	hca      *sim.HCA
	mgr      *qp.Manager
	registry *prometheus.Registry
}

func (s *ManagerSuite) SetupTest() {
	s.hca = sim.New()
	s.registry = prometheus.NewRegistry()
	metrics, err := qp.NewPrometheusMetrics(qp.PrometheusMetricsOptions{Registerer: s.registry})
	s.Require().NoError(err)

	s.mgr, err = qp.New(qp.Config{
		Log2MaxQP:     10,
		MaxRegularQPs: 256,
		Logger:        zaptest.NewLogger(s.T()).Sugar(),
		Metrics:       metrics,
	}, qp.Device{
		Commands: s.hca.Device,
		Memory:   s.hca.Memory,
		Regions:  s.hca.Regions,
		Domains:  s.hca.Domains,
	})
	s.Require().NoError(err)
}

func (s *ManagerSuite) TearDownTest() {
	if s.mgr != nil {
		_ = s.mgr.Close(context.Background())
	}
	allocs, mappings, regions := s.hca.Leaks()
	s.Zero(allocs, "physical allocations leaked")
	s.Zero(mappings, "mappings leaked")
	s.Zero(regions, "regions leaked")
}

func rcInit() qp.InitAttr {
	return qp.InitAttr{
		PD:          1,
		SendCQ:      1,
		RecvCQ:      2,
		ServiceType: qp.ServiceRC,
		Cap:         qp.Caps{MaxSendWR: 32, MaxRecvWR: 32, MaxSendSGE: 1, MaxRecvSGE: 1},
	}
}

func bringUp(ctx context.Context, m *qp.Manager, qpn, peer uint32) error {
	if err := m.Modify(ctx, qpn, qp.StateReset,
		&qp.Attr{State: qp.StateInit, Port: 1, AccessFlags: qp.AccessRemoteRead},
		qp.AttrState|qp.AttrPort|qp.AttrPkeyIndex|qp.AttrAccessFlags); err != nil {
		return err
	}
	if err := m.Modify(ctx, qpn, qp.StateInit,
		&qp.Attr{State: qp.StateRTR, PathMTU: qp.MTU1024, AV: qp.AddressVector{DLID: 7}, DestQPN: peer, RQPSN: 1},
		qp.AttrState|qp.AttrPathMTU|qp.AttrAV|qp.AttrDestQPN|qp.AttrRQPSN); err != nil {
		return err
	}
	return m.Modify(ctx, qpn, qp.StateRTR, &qp.Attr{State: qp.StateRTS, SQPSN: 1}, qp.AttrState|qp.AttrSQPSN)
}

func (s *ManagerSuite) TestConcurrentChurn() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const workers, rounds = 8, 50
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < rounds; i++ {
				size := uint64(rng.Intn(4) * 4096)
				qpn, err := s.mgr.Create(gctx, rcInit(), qp.UserResources{WQEBufSize: size})
				if err != nil {
					return fmt.Errorf("create: %w", err)
				}
				if rng.Intn(2) == 0 {
					if err := bringUp(gctx, s.mgr, qpn, qpn^1); err != nil {
						return fmt.Errorf("bring up 0x%06x: %w", qpn, err)
					}
				}
				if _, err := s.mgr.Query(gctx, qpn); err != nil {
					return fmt.Errorf("query 0x%06x: %w", qpn, err)
				}
				if err := s.mgr.Destroy(gctx, qpn); err != nil {
					return fmt.Errorf("destroy 0x%06x: %w", qpn, err)
				}
			}
			return nil
		})
	}
	require.NoError(s.T(), g.Wait())

	stats := s.mgr.Stats()
	s.Equal(uint64(workers*rounds), stats.Created)
	s.Equal(uint64(workers*rounds), stats.Destroyed)
	s.Zero(stats.RegularQPs)
}

func (s *ManagerSuite) TestStaleNumbersAfterReuse() {
	ctx := context.Background()
	first, err := s.mgr.Create(ctx, rcInit(), qp.UserResources{})
	s.Require().NoError(err)
	s.Require().NoError(s.mgr.Destroy(ctx, first))

	second, err := s.mgr.Create(ctx, rcInit(), qp.UserResources{})
	s.Require().NoError(err)
	s.NotEqual(first, second, "a reused index must carry a new QP number")

	_, err = s.mgr.Query(ctx, first)
	s.ErrorIs(err, qp.InvalidQpNumber)
}

func (s *ManagerSuite) TestSpecialPortsFollowQPs() {
	ctx := context.Background()
	var qpns []uint32
	for port := uint8(1); port <= 2; port++ {
		qpn, err := s.mgr.Create(ctx, qp.InitAttr{PD: 1, Special: qp.SpecialGSI, Port: port}, qp.UserResources{})
		s.Require().NoError(err)
		s.Require().NoError(s.mgr.Modify(ctx, qpn, qp.StateReset, &qp.Attr{State: qp.StateInit, QKey: 0x80010000}, qp.AttrState|qp.AttrQKey))
		s.Require().NoError(s.mgr.Modify(ctx, qpn, qp.StateInit, &qp.Attr{State: qp.StateRTR}, qp.AttrState))
		qpns = append(qpns, qpn)
	}
	for port := uint8(1); port <= 2; port++ {
		active, err := s.mgr.PortActive(port)
		s.Require().NoError(err)
		s.True(active)
		s.True(s.hca.Device.PortActive(port))
	}
	base, ok := s.hca.Device.SpecialBase(hw.SpecialGSI)
	s.True(ok)
	s.Equal(qpns[0], base)

	s.Require().NoError(s.mgr.Destroy(ctx, qpns[0]))
	s.False(s.hca.Device.PortActive(1))
	s.True(s.hca.Device.PortActive(2))
}

func (s *ManagerSuite) TestDeviceFaultsSurfaceAsCodes() {
	ctx := context.Background()
	qpn, err := s.mgr.Create(ctx, rcInit(), qp.UserResources{WQEBufSize: 4096})
	s.Require().NoError(err)

	s.hca.Device.FailNextModify(hw.TransRST2INIT, hw.StatusResourceBusy)
	err = s.mgr.Modify(ctx, qpn, qp.StateReset,
		&qp.Attr{State: qp.StateInit, Port: 1}, qp.AttrState|qp.AttrPort|qp.AttrPkeyIndex)
	s.ErrorIs(err, qp.Busy)
	s.True(qp.Retryable(err))

	s.Require().NoError(bringUp(ctx, s.mgr, qpn, 3))

	mfs, err := s.registry.Gather()
	s.Require().NoError(err)
	var failures float64
	for _, mf := range mfs {
		if mf.GetName() == "hca_qp_command_errors_total" {
			for _, m := range mf.GetMetric() {
				failures += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(s.T(), float64(1), failures)
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}
