package comm

import (
	"bytes"
	"hash/crc32"
	"testing"

	"brewos-go/protocol"
	"brewos-go/types"
)

// chunk builds one wire chunk of the update sub-protocol.
func chunk(seq uint16, data []byte) []byte {
	body := []byte{byte(seq), byte(seq >> 8), byte(len(data)), byte(len(data) >> 8)}
	body = append(body, data...)
	crc := protocol.Checksum(body)
	out := []byte{chunkSync1, chunkSync2}
	out = append(out, body...)
	return append(out, byte(crc), byte(crc>>8))
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	return img
}

func enterUpdate(t *testing.T, r *rig, size, crc uint32) {
	t.Helper()
	p := protocol.EnterUpdatePayload{ImageSize: size, ImageCRC: crc}
	r.link.queueFrame(t, protocol.MsgEnterUpdate, p.Marshal(nil))
	r.tick()
}

func sendChunks(r *rig, img []byte, from uint16) {
	for off, seq := int(from)*updateChunkBytes, from; off < len(img); seq++ {
		end := off + updateChunkBytes
		if end > len(img) {
			end = len(img)
		}
		r.link.in = append(r.link.in, chunk(seq, img[off:end])...)
		r.tick()
		off = end
	}
}

func TestUpdateHappyPath(t *testing.T) {
	r := newRig(false)
	img := testImage(2*updateChunkBytes + 8) // two full chunks and a tail
	enterUpdate(t, r, uint32(len(img)), crc32.ChecksumIEEE(img))
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckOK)
	if !r.flash.begun || r.flash.size != uint32(len(img)) {
		t.Fatal("flash not staged for the announced size")
	}
	if !r.svc.update.active {
		t.Fatal("session not active after the accepted announcement")
	}

	r.link.in = append(r.link.in, chunk(0, img[:updateChunkBytes])...)
	r.tick()
	if out := r.link.takeOut(); len(out) != 1 || out[0] != updateAck {
		t.Fatalf("chunk answer %v, want a single ACK byte", out)
	}

	sendChunks(r, img, 1)
	if !bytes.Equal(r.flash.image, img) {
		t.Fatal("staged image differs from what was sent")
	}
	if !r.flash.committed {
		t.Fatal("verified image not committed")
	}
	if r.rst.resets != 1 {
		t.Fatal("device did not reset into the new image")
	}
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckOK)
	if r.svc.update.active {
		t.Fatal("session still active after commit")
	}
}

func TestUpdateSuspendsTelemetry(t *testing.T) {
	r := newRig(false)
	enterUpdate(t, r, 4*updateChunkBytes, 0xDEADBEEF)
	r.link.takeOut()

	for i := 0; i < int(2*statusPeriodMs/DefaultTickMs); i++ {
		r.tick()
	}
	if findFrame(frames(r.link.takeOut()), protocol.MsgStatus) != nil {
		t.Fatal("status frames sent into a chunk stream")
	}
}

func TestUpdateChunkCRCNakAndRetransmit(t *testing.T) {
	r := newRig(false)
	img := testImage(updateChunkBytes)
	enterUpdate(t, r, uint32(len(img)), crc32.ChecksumIEEE(img))
	r.link.takeOut()

	bad := chunk(0, img)
	bad[10] ^= 0xFF
	r.link.in = append(r.link.in, bad...)
	r.tick()
	if out := r.link.takeOut(); len(out) != 1 || out[0] != updateNak {
		t.Fatalf("corrupt chunk answer %v, want a single NAK byte", out)
	}
	if r.flash.writes != 0 {
		t.Fatal("corrupt chunk reached flash")
	}

	// Retransmit completes the image.
	sendChunks(r, img, 0)
	if !r.flash.committed {
		t.Fatal("retransmitted chunk not accepted")
	}
}

func TestUpdateDuplicateChunkReackedOnce(t *testing.T) {
	r := newRig(false)
	img := testImage(2 * updateChunkBytes)
	enterUpdate(t, r, uint32(len(img)), crc32.ChecksumIEEE(img))
	r.link.takeOut()

	r.link.in = append(r.link.in, chunk(0, img[:updateChunkBytes])...)
	r.tick()
	r.link.takeOut()

	// The peer missed our ack and sends chunk 0 again.
	r.link.in = append(r.link.in, chunk(0, img[:updateChunkBytes])...)
	r.tick()
	if out := r.link.takeOut(); len(out) != 1 || out[0] != updateAck {
		t.Fatalf("duplicate chunk answer %v, want ACK", out)
	}
	if r.flash.writes != 1 {
		t.Fatalf("duplicate chunk rewrote flash, writes = %d", r.flash.writes)
	}

	sendChunks(r, img, 1)
	if !bytes.Equal(r.flash.image, img) || !r.flash.committed {
		t.Fatal("image did not complete after the duplicate")
	}
}

func TestUpdateSequenceGapNakked(t *testing.T) {
	r := newRig(false)
	img := testImage(2 * updateChunkBytes)
	enterUpdate(t, r, uint32(len(img)), crc32.ChecksumIEEE(img))
	r.link.takeOut()

	r.link.in = append(r.link.in, chunk(1, img[updateChunkBytes:])...)
	r.tick()
	if out := r.link.takeOut(); len(out) != 1 || out[0] != updateNak {
		t.Fatalf("out-of-order chunk answer %v, want NAK", out)
	}
	if r.flash.writes != 0 {
		t.Fatal("out-of-order chunk written")
	}
}

func TestUpdateSilenceAbortsAndResumes(t *testing.T) {
	r := newRig(false)
	img := testImage(3 * updateChunkBytes)
	enterUpdate(t, r, uint32(len(img)), crc32.ChecksumIEEE(img))
	r.link.in = append(r.link.in, chunk(0, img[:updateChunkBytes])...)
	r.tick()
	r.link.takeOut()

	// The peer goes quiet mid-transfer.
	for i := 0; i < int(chunkTimeoutMs/DefaultTickMs)+5; i++ {
		r.tick()
	}
	if r.svc.update.active {
		t.Fatal("session survived the silence")
	}
	if !r.flash.aborted {
		t.Fatal("staged image not discarded")
	}
	if r.flash.committed || r.rst.resets != 0 {
		t.Fatal("aborted transfer committed or reset")
	}
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckTimeout)

	// Framed operation resumes untouched.
	r.link.queueFrame(t, protocol.MsgPing, []byte{7})
	r.tick()
	if findFrame(frames(r.link.takeOut()), protocol.MsgPing) == nil {
		t.Fatal("framed link dead after the abort")
	}
}

func TestUpdateImageCRCMismatchAborts(t *testing.T) {
	r := newRig(false)
	img := testImage(updateChunkBytes + 10)
	enterUpdate(t, r, uint32(len(img)), crc32.ChecksumIEEE(img)^1)
	r.link.takeOut()

	sendChunks(r, img, 0)
	if r.flash.committed || r.rst.resets != 0 {
		t.Fatal("image with a bad CRC committed")
	}
	if !r.flash.aborted {
		t.Fatal("bad image not discarded")
	}
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckInvalid)
}

func TestUpdateRefusedWhileBrewing(t *testing.T) {
	r := newRig(false)
	r.st.PublishTick(types.SensorSnapshot{BrewTempC: 93, SteamTempC: 140},
		types.OutputSnapshot{}, types.StateBrewing, 0, 5, 1200)
	enterUpdate(t, r, 1024, 0x1234)
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckBusy)
	if r.flash.begun || r.svc.update.active {
		t.Fatal("refused update touched the flash or opened a session")
	}
}

func TestUpdateRefusesZeroAndOversized(t *testing.T) {
	r := newRig(false)
	enterUpdate(t, r, 0, 0)
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckInvalid)
	enterUpdate(t, r, maxImageBytes+1, 0)
	r.expectAck(t, protocol.MsgEnterUpdate, protocol.AckInvalid)
}
