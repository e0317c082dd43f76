package protocol

// Stats counts link health. Owned by the comm context; other contexts see
// it only through status snapshots, so plain fields suffice.
type Stats struct {
	FramesRx     uint32
	FramesTx     uint32
	CRCErrors    uint32
	LengthErrors uint32
	Dropped      uint32 // partial frames abandoned on reset/timeout
	Unknown      uint32 // validated frames with an unhandled type
}
