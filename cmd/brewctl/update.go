package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/spf13/cobra"

	"brewos-go/protocol"
)

// Firmware upload. After the controller accepts MsgEnterUpdate the link
// switches to the raw chunk envelope:
//
//	| 0x55 | 0xAA | SEQ u16 | LEN u16 | DATA... | CRC16 |
//
// with a single-byte ACK/NAK reply per chunk. The controller verifies the
// whole image's CRC-32 before committing, reported in a final framed ack.
const (
	chunkSize    = 256
	chunkRetries = 3

	chunkAck = 0x06
	chunkNak = 0x15
)

func init() {
	rootCmd.AddCommand(updateCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update <image.bin>",
	Short: "Upload and activate a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if len(img) == 0 {
			return fmt.Errorf("%s is empty", args[0])
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		sum := crc32.ChecksumIEEE(img)
		ep := protocol.EnterUpdatePayload{ImageSize: uint32(len(img)), ImageCRC: sum}
		if err := s.send(protocol.MsgEnterUpdate, ep.Marshal(nil)); err != nil {
			return err
		}
		if err := s.waitAck(protocol.MsgEnterUpdate, cmdTimeout); err != nil {
			return err
		}
		fmt.Printf("controller staged %d bytes, crc %08x\n", len(img), sum)

		start := time.Now()
		var seq uint16
		for off := 0; off < len(img); off += chunkSize {
			end := off + chunkSize
			if end > len(img) {
				end = len(img)
			}
			if err := sendChunk(s, seq, img[off:end]); err != nil {
				return fmt.Errorf("chunk %d: %w", seq, err)
			}
			seq++
			fmt.Printf("\r%d/%d bytes", end, len(img))
		}
		fmt.Printf("\nsent in %v, waiting for verify\n", time.Since(start).Round(time.Millisecond))

		// The device checks the image CRC, commits and resets. The framed
		// ack may race the reset, so a timeout here is not proof of failure.
		if err := s.waitAck(protocol.MsgEnterUpdate, 10*time.Second); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Println("image verified, controller resetting")
		return nil
	},
}

func sendChunk(s *session, seq uint16, data []byte) error {
	wire := make([]byte, 0, 6+len(data)+2)
	wire = append(wire, 0x55, 0xAA)
	wire = binary.LittleEndian.AppendUint16(wire, seq)
	wire = binary.LittleEndian.AppendUint16(wire, uint16(len(data)))
	wire = append(wire, data...)
	// Checksum covers seq, len and data, not the sync bytes.
	wire = binary.LittleEndian.AppendUint16(wire, protocol.Checksum(wire[2:]))

	for attempt := 0; attempt < chunkRetries; attempt++ {
		if _, err := s.writeRaw(wire); err != nil {
			return err
		}
		reply, err := readReply(s, 2*time.Second)
		if err != nil {
			return err
		}
		switch reply {
		case chunkAck:
			return nil
		case chunkNak:
			continue
		default:
			// Framed traffic in chunk mode means the session aborted.
			return fmt.Errorf("transfer aborted by controller (byte 0x%02x)", reply)
		}
	}
	return fmt.Errorf("refused after %d attempts", chunkRetries)
}

func readReply(s *session, timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	var one [1]byte
	for time.Now().Before(deadline) {
		n, err := s.readRaw(one[:])
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return one[0], nil
		}
	}
	return 0, fmt.Errorf("no reply within %v", timeout)
}
