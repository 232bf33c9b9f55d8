// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats summarizes experiment metrics and tests for a winner.
//
// # Methodology
//
//   - Sample variance is Bessel-corrected (n-1), zero for a single sample
//   - Welch's t-test compares the two highest-mean variants
//   - Degrees of freedom come from the Welch-Satterthwaite equation
//   - The p-value is the two-tailed Student's t tail
//   - Cohen's d is reported alongside for effect size
//
// # Failure Policy
//
// Nothing in this package returns an error. Insufficient or degenerate data
// produces p = 1 and no winner, so absence of evidence is never reported as
// evidence.
package stats
