// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package frame implements the ghostwire wire frame.
//
// A frame consists of a fixed header, optional acknowledgement fields, an opaque payload and
// trailing padding. All integers are encoded in network byte order.
//
//	 0      1      2       3-4       5-12        13-14       [15-22]   [23-30]
//	+------+------+-------+---------+----------+-----------+---------+------------+---------+---------+
//	| ver  | type | flags | pad len | sequence | pay. len  | ack no. | ack bitmap | payload | padding |
//	+------+------+-------+---------+----------+-----------+---------+------------+---------+---------+
//
// The acknowledgement fields are only present if the FlagAck bit is set. SYN frames never carry
// them, SYN-ACK and ACK frames always do.
//
// Everything but the padding length is covered by the security envelope as associated data. This
// allows the obfuscation layer to pick new padding for each transmission of an already sealed frame.
package frame
