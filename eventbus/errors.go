// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package eventbus

import "errors"

// ErrQueueFull is returned by Publish when the bus is at capacity and the
// configured backpressure policy is Reject.
var ErrQueueFull = errors.New("eventbus: queue full")

// ErrBusClosed is returned by Publish/PublishSync once Stop has completed.
var ErrBusClosed = errors.New("eventbus: bus is closed")
