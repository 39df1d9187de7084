// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for structured data
// crossing process boundaries: the spawn descriptor handed from the
// front controller to the re-executed monitor and exec stage.
//
// The control backchannel itself does not use this package; its
// messages are fixed five-byte frames (see the exec package). CBOR is
// for the one structured document in the system, where field evolution
// across versions matters.
package codec
