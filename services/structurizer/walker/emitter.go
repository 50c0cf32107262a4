// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package walker

import (
	"context"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
)

// Emitter receives the structured traversal.
//
// Description:
//
//	Enter is called once per block, in dominance order, and is always
//	matched by exactly one Exit. Exit calls nest: every block entered
//	after B and before Exit(B) lies in B's dominated subtree, except for
//	blocks force-visited by the rescheduler, which are entered and exited
//	as a unit.
//
//	EmitPhi delivers a materialized phi action. Actions carry the block and
//	position they belong to; loop-entry and merge actions are delivered
//	before Enter of the block that owns the phis, forward-end copies right
//	after Enter of the predecessor, and back-edge actions once the loop
//	body has been walked, which can be after the target block was exited.
//	Implementations place actions by (Block, Position) rather than by
//	arrival time.
//
// Thread Safety: Called from a single goroutine per session.
type Emitter interface {
	Enter(ctx context.Context, b *cfg.Block) error
	Exit(ctx context.Context, b *cfg.Block) error
	EmitPhi(ctx context.Context, a phi.Action) error
}

// VisitTracker answers whether a block has been entered.
type VisitTracker interface {
	Visited(b cfg.BlockID) bool
}

// TrackerAware is implemented by emitters that want to query the walk.
// The session attaches itself before the first Enter.
type TrackerAware interface {
	AttachTracker(t VisitTracker)
}
