package patch

import "fmt"

// Apply executes patch against original and returns the reconstructed
// image, validating header CRC, body length/CRC, original length/CRC, and
// finally constructed length/CRC.
func Apply(original, patchBytes []byte) ([]byte, error) {
	header, cache, err := decodeHeader(patchBytes)
	if err != nil {
		return nil, err
	}
	body := patchBytes[HeaderSize:]

	if uint32(len(body)) != header.PatchBody.Length {
		return nil, &ValidationError{Kind: KindBodyLength, Message: fmt.Sprintf("got %d, want %d", len(body), header.PatchBody.Length)}
	}
	if crc(body) != header.PatchBody.CRC {
		return nil, &ValidationError{Kind: KindBodyCRC, Message: "patch body CRC mismatch"}
	}
	if uint32(len(original)) != header.Original.Length {
		return nil, &ValidationError{Kind: KindOriginalLength, Message: fmt.Sprintf("got %d, want %d", len(original), header.Original.Length)}
	}
	if crc(original) != header.Original.CRC {
		return nil, &ValidationError{Kind: KindOriginalCRC, Message: "original image CRC mismatch"}
	}

	instructions, err := decodeInstructions(body, cache)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, header.Constructed.Length)
	origOffset := uint32(0)
	for _, instr := range instructions {
		out, origOffset, err = execInstr(out, original, cache, instr, origOffset)
		if err != nil {
			return nil, err
		}
	}

	if uint32(len(out)) != header.Constructed.Length {
		return nil, &ValidationError{Kind: KindConstructedLength, Message: fmt.Sprintf("got %d, want %d", len(out), header.Constructed.Length)}
	}
	if crc(out) != header.Constructed.CRC {
		return nil, &ValidationError{Kind: KindConstructedCRC, Message: "constructed image CRC mismatch"}
	}
	return out, nil
}

// decodeInstructions decodes the full opcode stream in body.
func decodeInstructions(body []byte, cache [][]byte) ([]Instr, error) {
	var instrs []Instr
	offset := 0
	origOffset := uint32(0)
	for offset < len(body) {
		instr, n, newOrig, err := decodeInstr(body, offset, origOffset, cache)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, instr)
		offset += n
		origOffset = newOrig
	}
	return instrs, nil
}

// execInstr applies a single instruction, appending reconstructed bytes to
// out and returning the cursor's new original-offset.
func execInstr(out, original []byte, cache [][]byte, instr Instr, origOffset uint32) ([]byte, uint32, error) {
	switch v := instr.(type) {
	case *CopyInstr:
		end := int(origOffset) + int(v.Length)
		if end > len(original) {
			return nil, 0, fmt.Errorf("patch: COPY reads past end of original image")
		}
		out = append(out, original[origOffset:end]...)
		return out, origOffset + v.Length, nil
	case *WriteInstr:
		out = append(out, v.Data...)
		return out, origOffset + uint32(len(v.Data)), nil
	case *WriteCachedInstr:
		if int(v.Idx) >= len(cache) {
			return nil, 0, fmt.Errorf("patch: write-cache index %d out of range", v.Idx)
		}
		entry := cache[v.Idx]
		out = append(out, entry...)
		return out, origOffset + uint32(len(entry)), nil
	case *AddrInstr:
		return out, v.New, nil
	case *MacroInstr:
		var err error
		for _, op := range v.Ops {
			switch o := op.(type) {
			case *CopyInstr:
				end := int(origOffset) + int(o.Length)
				if end > len(original) {
					return nil, 0, fmt.Errorf("patch: COPY reads past end of original image")
				}
				out = append(out, original[origOffset:end]...)
				origOffset += o.Length
			case *WriteInstr:
				out = append(out, o.Data...)
				origOffset += uint32(len(o.Data))
			default:
				return nil, 0, fmt.Errorf("patch: unexpected op type in macro")
			}
		}
		return out, origOffset, err
	default:
		return nil, 0, fmt.Errorf("patch: unknown instruction type")
	}
}
