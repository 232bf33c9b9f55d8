// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package specexp runs progressive rollouts of versioned operation specs.
//
// # Overview
//
// A rollout Config binds the variants of an experiment to spec payloads
// and walks them through traffic stages. At request time the Adapter asks
// the Runner which spec a user gets; out of band the Controller asks the
// Analyzer whether the guardrails hold and moves the rollout forward, holds
// it, or rolls it back.
//
// # Request path
//
//	Adapter.GetBucketedSpec
//	    -> Registry.Get            (lock-free snapshot read)
//	    -> Runner.Assign           (variant bucket, then rollout gate)
//	    -> AssignmentRecorder      (bounded queue, never blocks)
//
// The request path never returns an error. Missing configs yield false;
// gated users, missing bindings and closed experiment windows get the
// control spec under ControlVariantID.
//
// # Control loop
//
//	Scheduler.RunOnce
//	    -> Controller.Evaluate
//	        -> Analyzer.Evaluate   (P99 latency, error rate, Welch test)
//	        -> Registry.CompareAndSwap
//	        -> Journal.Append, callbacks
//
// The control loop fails loudly: unknown targets and version conflicts are
// returned as wrapped ErrUnknownTarget and ErrVersionConflict.
package specexp
