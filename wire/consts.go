// Package wire implements the TRDP wire codec: PD/MD header layout,
// CRC protection, byte-order conversion and frame assembly/parse.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

const (
	ProtocolVersion uint16 = 1

	// PDHeaderSize is the fixed PD header length before the payload.
	PDHeaderSize = 40
	// PayloadCRCSize is the trailing payload-CRC.
	PayloadCRCSize = 4
	// MaxPDPayload is the maximum PD payload.
	MaxPDPayload = 1436

	// MDHeaderSize is this implementation's MD header length. A 44-byte
	// header cannot hold the full MD field list (128-bit session UUID,
	// reply-status, expected-reply count, 32B source and destination
	// URIs, reply-timeout): the UUID and the two URIs alone take 80
	// bytes. This implementation keeps every field of that list, which
	// comes to 124 bytes.
	MDHeaderSize = 124
	// MaxMDFragment is the practical MD-over-TCP fragment ceiling, up to
	// ~64KB fragmented.
	MaxMDFragment = 65536
)

// PD msg-type tags.
const (
	MsgPd = "Pd" // periodic push
	MsgPp = "Pp" // periodic push, immediate ("put")
	MsgPr = "Pr" // pull/request
)

// MD msg-type tags.
const (
	MsgMn = "Mn" // notify
	MsgMr = "Mr" // request
	MsgMp = "Mp" // reply
	MsgMq = "Mq" // reply-query (confirm required)
	MsgMc = "Mc" // confirm
	MsgMe = "Me" // error
)

// URI fields are fixed-width, NUL-padded.
const URILen = 32
