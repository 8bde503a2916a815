// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tickwatch/tickwatch/internal/logging"
)

type countingService struct {
	running atomic.Int32
	started chan struct{}
}

func (s *countingService) Serve(ctx context.Context) error {
	s.running.Add(1)
	defer s.running.Add(-1)
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())
	syncSvc := &countingService{started: make(chan struct{}, 1)}
	apiSvc := &countingService{started: make(chan struct{}, 1)}
	tree.AddSyncService(syncSvc)
	tree.AddAPIService(apiSvc)

	ctx, cancel := context.WithCancel(context.Background())
	errs := tree.ServeBackground(ctx)

	for _, svc := range []*countingService{syncSvc, apiSvc} {
		select {
		case <-svc.started:
		case <-time.After(2 * time.Second):
			t.Fatal("service did not start")
		}
	}

	cancel()
	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
	if syncSvc.running.Load() != 0 || apiSvc.running.Load() != 0 {
		t.Fatal("services still running after shutdown")
	}
}
