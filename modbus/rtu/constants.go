// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

// Frame geometry: [SlaveID(1)] [Function(1)] [Data(0..252)] [CRC(2)].
const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5

	// headerSize covers the byte count field of FC15/FC16 requests.
	headerSize = 7
)
