package comm

import (
	"hash/crc32"

	"brewos-go/errcode"
	"brewos-go/protocol"
	"brewos-go/types"
	"brewos-go/x/conv"
	"brewos-go/x/fmtx"
	"brewos-go/x/mathx"
)

// Firmware transfer. An accepted EnterUpdate switches the link into a raw
// chunk sub-protocol; framed telemetry needs payloads far smaller than a
// useful flash write, so chunks get their own envelope:
//
//	| 0x55 | 0xAA | SEQ u16 | LEN u16 | DATA... | CRC16 |
//
// CRC16 is the link checksum over SEQ, LEN and DATA. The device answers
// each chunk with a single byte, ACK or NAK, and the peer retransmits on
// NAK. A retransmit of the previous sequence number is acknowledged
// without rewriting. Once every byte has arrived the staged image's CRC-32
// is checked against the announcement; only then does the image commit and
// the device reset into it.
const (
	updateChunkBytes = 256
	chunkSync1       = 0x55
	chunkSync2       = 0xAA

	updateAck = 0x06
	updateNak = 0x15

	// Inter-byte silence that aborts a transfer in progress.
	chunkTimeoutMs = 5_000
	// Whole-transfer ceiling; a healthy peer finishes well inside it.
	sessionTimeoutMs = 30_000

	maxImageBytes = 2 << 20
)

type ustate uint8

const (
	uSync1 ustate = iota
	uSync2
	uSeqLo
	uSeqHi
	uLenLo
	uLenHi
	uData
	uCRCLo
	uCRCHi
)

type updateSession struct {
	active    bool
	size      uint32
	expectCRC uint32
	received  uint32
	imgCRC    uint32 // running CRC-32 of accepted data
	nextSeq   uint16

	startMs    int64
	lastByteMs int64

	state  ustate
	seq    uint16
	length uint16
	got    uint16
	crc    uint16 // running chunk CRC over seq+len+data
	crcLo  byte
	data   [updateChunkBytes]byte
}

// handleEnterUpdate validates the announcement and, when accepted, stages
// the flash and flips the link into chunk mode. The ack goes out first so
// the peer knows whether to start streaming.
func (s *Service) handleEnterUpdate(b []byte, nowMs int64) {
	var p protocol.EnterUpdatePayload
	if err := p.Unmarshal(b); err != nil {
		s.sendAck(protocol.MsgEnterUpdate, err)
		return
	}
	if p.ImageSize == 0 || p.ImageSize > maxImageBytes {
		s.sendAck(protocol.MsgEnterUpdate, errcode.InvalidParams)
		return
	}
	if s.st.Snapshot().Machine == types.StateBrewing {
		s.sendAck(protocol.MsgEnterUpdate, errcode.Busy)
		return
	}
	if err := s.flash.Begin(p.ImageSize); err != nil {
		println("[comm] flash stage failed:", err.Error())
		s.sendAck(protocol.MsgEnterUpdate, errcode.FlashFailed)
		return
	}

	chunks := mathx.CeilDiv(p.ImageSize, uint32(updateChunkBytes))
	var hexbuf [8]byte
	println("[comm] update:", p.ImageSize, "bytes in", chunks, "chunks, crc",
		string(conv.U32Hex(hexbuf[:], p.ImageCRC)))
	s.sendLog(protocol.LogInfo, fmtx.Sprintf("update start: %d bytes", p.ImageSize))

	s.update = updateSession{
		active:     true,
		size:       p.ImageSize,
		expectCRC:  p.ImageCRC,
		startMs:    nowMs,
		lastByteMs: nowMs,
	}
	s.sendAck(protocol.MsgEnterUpdate, nil)
}

// feedUpdate advances the chunk parser by one byte.
func (s *Service) feedUpdate(b byte, nowMs int64) {
	u := &s.update
	u.lastByteMs = nowMs

	switch u.state {
	case uSync1:
		if b == chunkSync1 {
			u.state = uSync2
		}
	case uSync2:
		if b == chunkSync2 {
			u.state = uSeqLo
			u.crc = protocol.ChecksumInit
		} else {
			u.state = uSync1
		}
	case uSeqLo:
		u.seq = uint16(b)
		u.crc = protocol.ChecksumUpdate(u.crc, b)
		u.state = uSeqHi
	case uSeqHi:
		u.seq |= uint16(b) << 8
		u.crc = protocol.ChecksumUpdate(u.crc, b)
		u.state = uLenLo
	case uLenLo:
		u.length = uint16(b)
		u.crc = protocol.ChecksumUpdate(u.crc, b)
		u.state = uLenHi
	case uLenHi:
		u.length |= uint16(b) << 8
		u.crc = protocol.ChecksumUpdate(u.crc, b)
		if u.length == 0 || u.length > updateChunkBytes {
			s.nakChunk("bad length")
			return
		}
		u.got = 0
		u.state = uData
	case uData:
		u.data[u.got] = b
		u.got++
		u.crc = protocol.ChecksumUpdate(u.crc, b)
		if u.got == u.length {
			u.state = uCRCLo
		}
	case uCRCLo:
		u.crcLo = b
		u.state = uCRCHi
	case uCRCHi:
		u.state = uSync1
		rx := uint16(u.crcLo) | uint16(b)<<8
		if rx != u.crc {
			s.nakChunk("chunk crc")
			return
		}
		s.acceptChunk(nowMs)
	}
}

func (s *Service) acceptChunk(nowMs int64) {
	u := &s.update

	// A retransmit of the last acknowledged chunk means our ack was lost.
	// Ack again, write nothing.
	if u.nextSeq > 0 && u.seq == u.nextSeq-1 {
		s.writeByte(updateAck)
		return
	}
	if u.seq != u.nextSeq {
		s.nakChunk("sequence gap")
		return
	}
	data := u.data[:u.length]
	if u.received+uint32(u.length) > u.size {
		s.abortUpdate("overrun", errcode.InvalidLength)
		return
	}
	if err := s.flash.WriteAt(u.received, data); err != nil {
		println("[comm] flash write failed:", err.Error())
		s.abortUpdate("flash write", errcode.FlashFailed)
		return
	}
	u.imgCRC = crc32.Update(u.imgCRC, crc32.IEEETable, data)
	u.received += uint32(u.length)
	u.nextSeq++
	s.writeByte(updateAck)

	if u.received == u.size {
		s.finishUpdate(nowMs)
	}
}

// finishUpdate verifies the staged image and commits. Reset is the last
// act; a failed verify leaves the running firmware untouched.
func (s *Service) finishUpdate(nowMs int64) {
	u := &s.update
	if u.imgCRC != u.expectCRC {
		var want, got [8]byte
		println("[comm] image crc mismatch: want",
			string(conv.U32Hex(want[:], u.expectCRC)), "got",
			string(conv.U32Hex(got[:], u.imgCRC)))
		s.abortUpdate("image crc", errcode.BadChecksum)
		return
	}
	if err := s.flash.Commit(); err != nil {
		println("[comm] flash commit failed:", err.Error())
		s.abortUpdate("flash commit", errcode.FlashFailed)
		return
	}
	u.active = false
	println("[comm] update verified:", u.size, "bytes in", nowMs-u.startMs, "ms, resetting")
	s.sendAck(protocol.MsgEnterUpdate, nil)
	s.rst.Reset()
}

func (s *Service) nakChunk(why string) {
	s.update.state = uSync1
	println("[comm] chunk refused:", why)
	s.writeByte(updateNak)
}

// abortUpdate tears the session down and returns the link to framed
// operation. The staged image is discarded; normal control never stopped.
func (s *Service) abortUpdate(why string, code errcode.Code) {
	s.flash.Abort()
	s.update = updateSession{}
	println("[comm] update aborted:", why)
	s.sendLog(protocol.LogWarn, "update aborted: "+why)
	s.sendAck(protocol.MsgEnterUpdate, code)
}

func (s *Service) checkUpdateTimeouts(nowMs int64) {
	u := &s.update
	if nowMs-u.lastByteMs > chunkTimeoutMs {
		s.abortUpdate("link silent", errcode.Timeout)
		return
	}
	if nowMs-u.startMs > sessionTimeoutMs {
		s.abortUpdate("transfer too slow", errcode.Timeout)
	}
}

func (s *Service) writeByte(b byte) {
	var one = [1]byte{b}
	if _, err := s.link.Write(one[:]); err != nil {
		println("[comm] write failed:", err.Error())
	}
}
