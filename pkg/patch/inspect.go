package patch

import "fmt"

// Metadata summarizes a patch file's header for tooling.
type Metadata struct {
	OriginalLength    uint32
	OriginalCRC       uint32
	ConstructedLength uint32
	ConstructedCRC    uint32
	PatchLength       uint32
	PatchCRC          uint32
	WriteCache        [][]byte
}

// InstructionSummary is a single opcode rendered for human inspection.
type InstructionSummary struct {
	Kind string
	Text string
}

// Inspect decodes a patch's header and opcode stream without applying it,
// for display by CLI tooling.
func Inspect(patchBytes []byte) (Metadata, []InstructionSummary, error) {
	header, cache, err := decodeHeader(patchBytes)
	if err != nil {
		return Metadata{}, nil, err
	}
	body := patchBytes[HeaderSize:]
	if uint32(len(body)) != header.PatchBody.Length {
		return Metadata{}, nil, &ValidationError{Kind: KindBodyLength, Message: "patch body length mismatch"}
	}
	if crc(body) != header.PatchBody.CRC {
		return Metadata{}, nil, &ValidationError{Kind: KindBodyCRC, Message: "patch body CRC mismatch"}
	}

	instrs, err := decodeInstructions(body, cache)
	if err != nil {
		return Metadata{}, nil, err
	}

	meta := Metadata{
		OriginalLength:    header.Original.Length,
		OriginalCRC:       header.Original.CRC,
		ConstructedLength: header.Constructed.Length,
		ConstructedCRC:    header.Constructed.CRC,
		PatchLength:       header.PatchBody.Length,
		PatchCRC:          header.PatchBody.CRC,
		WriteCache:        cache,
	}

	var out []InstructionSummary
	for _, instr := range instrs {
		out = append(out, summarize(instr))
	}
	return meta, out, nil
}

func summarize(instr Instr) InstructionSummary {
	switch v := instr.(type) {
	case *CopyInstr:
		return InstructionSummary{Kind: "COPY", Text: fmt.Sprintf("COPY: %d bytes", v.Length)}
	case *WriteInstr:
		return InstructionSummary{Kind: "WRITE", Text: fmt.Sprintf("WRITE: %d bytes", len(v.Data))}
	case *WriteCachedInstr:
		return InstructionSummary{Kind: "WRITE_CACHED", Text: fmt.Sprintf("WRITE: cache index %d (%d bytes)", v.Idx, v.WriteLen)}
	case *AddrInstr:
		return InstructionSummary{Kind: "ADDR", Text: fmt.Sprintf("ADDR: shifting %d (from %08x to %08x)", int64(v.New)-int64(v.Old), v.Old, v.New)}
	case *MacroInstr:
		text := "PATCH:"
		for _, op := range v.Ops {
			text += "\n\t" + summarize(op).Text
		}
		return InstructionSummary{Kind: "PATCH", Text: text}
	default:
		return InstructionSummary{Kind: "UNKNOWN", Text: "?"}
	}
}
