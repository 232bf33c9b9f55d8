// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment defines experiments and assigns users to their variants.
//
// # Assignment
//
// Assignment is hash based and stateless. A user's bucket is derived from
// "{experimentKey}:{userID}:{salt}" so the same user always lands in the same
// variant, across calls and across restarts:
//
//	runner := experiment.NewRunner()
//	a, err := runner.Assign(def, "user-42", nil)
//
// # Registry
//
// Definitions are immutable. Registry rejects a second registration of the
// same "key.vN" identity with ErrAlreadyRegistered.
//
// # Thread Safety
//
// Runner and Registry are safe for concurrent use.
package experiment
