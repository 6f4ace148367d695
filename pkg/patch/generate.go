package patch

import (
	"bytes"
	"fmt"
	"sort"
)

// candidateHashLengths are the n-gram lengths tried during generation; the
// shortest resulting encoding wins.
var candidateHashLengths = []int{4, 5, 6, 7}

// Generate produces a patch that transforms original into new, running the
// five-pass instruction pipeline for each candidate hash length and
// keeping the shortest encoding. It self-validates by applying the result
// to original and requiring bit-equality with new before returning.
func Generate(original, new []byte) ([]byte, error) {
	var bestBody []byte
	var bestCache [][]byte
	bestLen := -1

	for _, h := range candidateHashLengths {
		instrs := naiveDiff(original, new, h)
		instrs = cleanupJumps(original, instrs)
		cache, instrs := commonWrites(instrs)
		instrs = mergeOperations(instrs)
		instrs = mergeCrack(original, instrs)

		body := encodeInstructions(instrs)
		if bestLen == -1 || len(body) < bestLen {
			bestLen = len(body)
			bestBody = body
			bestCache = cache
		}
	}

	header := Header{
		Original:    arrayValidation{Length: uint32(len(original)), CRC: crc(original)},
		Constructed: arrayValidation{Length: uint32(len(new)), CRC: crc(new)},
		PatchBody:   arrayValidation{Length: uint32(len(bestBody)), CRC: crc(bestBody)},
		WriteCache:  buildWriteCache(bestCache),
	}
	out := append(encodeHeader(header), bestBody...)

	reconstructed, err := Apply(original, out)
	if err != nil {
		return nil, fmt.Errorf("patch: self-check failed: %w", err)
	}
	if !bytes.Equal(reconstructed, new) {
		return nil, fmt.Errorf("patch: self-check mismatch (generated patch does not reproduce new)")
	}
	return out, nil
}

func encodeInstructions(instrs []Instr) []byte {
	n := 0
	for _, i := range instrs {
		n += i.EncodedLen()
	}
	out := make([]byte, 0, n)
	for _, i := range instrs {
		out = i.Encode(out)
	}
	return out
}

// naiveDiff builds the initial COPY/WRITE/ADDR instruction stream: pre-hash
// every hashLen-byte n-gram of original, then scan new left to right,
// extending the longest candidate match by at least 8 bytes over staying at
// the current cursor.
func naiveDiff(old, new []byte, hashLen int) []Instr {
	var instrs []Instr
	oldOffset := 0
	newOffset := 0
	writeStart := 0
	writePending := 0

	preHash := make(map[string][]int)
	var prevVal []byte
	limit := len(old) - hashLen
	for offset := 0; offset < limit; offset++ {
		val := old[offset : offset+hashLen]
		if prevVal != nil && bytes.Equal(val, prevVal) {
			continue
		}
		preHash[string(val)] = append(preHash[string(val)], offset)
		prevVal = val
	}

	flushWrite := func() {
		if writePending > 0 {
			instrs = append(instrs, &WriteInstr{Data: append([]byte{}, new[writeStart:writeStart+writePending]...)})
			writePending = 0
		}
	}

	for newOffset < len(new) {
		end := newOffset + hashLen
		if end > len(new) {
			end = len(new)
		}
		val := new[newOffset:end]
		locs, found := preHash[string(val)]
		if found && len(val) == hashLen {
			flushWrite()

			oldMatch := -100
			for _, l := range locs {
				if l == oldOffset {
					oldMatch = 0
					for newOffset+oldMatch < len(new) && oldOffset+oldMatch < len(old) &&
						new[newOffset+oldMatch] == old[oldOffset+oldMatch] {
						oldMatch++
					}
					break
				}
			}

			maxMatch := oldMatch
			maxOffset := oldOffset
			for _, origOffset := range locs {
				thisMatch := 0
				for newOffset+thisMatch < len(new) && origOffset+thisMatch < len(old) &&
					new[newOffset+thisMatch] == old[origOffset+thisMatch] {
					thisMatch++
				}
				if thisMatch > maxMatch && thisMatch >= oldMatch+8 {
					maxMatch = thisMatch
					maxOffset = origOffset
				}
			}

			if maxOffset != oldOffset {
				instrs = append(instrs, &AddrInstr{Old: uint32(oldOffset), New: uint32(maxOffset)})
			}
			instrs = append(instrs, &CopyInstr{Length: uint32(maxMatch), OriginalOffset: int64(maxOffset)})
			newOffset += maxMatch
			oldOffset = maxOffset + maxMatch
		} else {
			if writePending == 0 {
				writeStart = newOffset
			}
			writePending++
			newOffset++
			oldOffset++
		}
	}
	flushWrite()
	return instrs
}

// cleanupJumps detects ADDR,COPY,ADDR (and the three-instruction variant
// with an embedded write) where the two shifts cancel out, and replaces
// the run with a single WRITE covering the original bytes — then merges
// any now-adjacent WRITE instructions.
func cleanupJumps(old []byte, instructions []Instr) []Instr {
	if len(instructions) == 0 {
		return instructions
	}
	queue := append([]Instr{}, instructions...)
	var merged []Instr
	for len(queue) > 0 {
		instr := queue[0]
		queue = queue[1:]
		replaced := false

		if a, ok := instr.(*AddrInstr); ok && len(queue) > 0 {
			copyInstr := queue[0].(*CopyInstr)
			if len(queue) >= 2 {
				if a2, ok2 := queue[1].(*AddrInstr); ok2 && a.shift() == -a2.shift() {
					data := append([]byte{}, old[a.New:a.New+copyInstr.Length]...)
					merged = append(merged, &WriteInstr{Data: data})
					replaced = true
					queue = queue[2:]
				} else if len(queue) >= 3 {
					if w, okw := queue[1].(*WriteInstr); okw {
						if a3, ok3 := queue[2].(*AddrInstr); ok3 && a.shift() == -a3.shift() {
							data := append([]byte{}, old[a.New:a.New+copyInstr.Length]...)
							data = append(data, w.Data...)
							merged = append(merged, &WriteInstr{Data: data})
							replaced = true
							queue = queue[3:]
						}
					}
				}
			}
		}

		if !replaced {
			merged = append(merged, instr)
		}
	}

	cleaned := []Instr{merged[0]}
	for _, instr := range merged[1:] {
		if w, ok := instr.(*WriteInstr); ok {
			if prev, ok2 := cleaned[len(cleaned)-1].(*WriteInstr); ok2 {
				prev.Data = append(prev.Data, w.Data...)
				continue
			}
		}
		cleaned = append(cleaned, instr)
	}
	return cleaned
}

// commonWrites selects up to MaxCacheEntries write payloads (each occurring
// at least 3 times, each ≥ 8 bytes) for the shared write cache, choosing by
// highest byte-savings-per-entry subject to the CacheSize budget, and
// replaces their occurrences with WRITE_CACHED, enforcing the 16-entry and
// 128-byte cache bounds exactly.
func commonWrites(instructions []Instr) ([][]byte, []Instr) {
	counts := make(map[string]int)
	var order []string
	for _, instr := range instructions {
		w, ok := instr.(*WriteInstr)
		if !ok || len(w.Data) < 8 {
			continue
		}
		key := string(w.Data)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	type candidate struct {
		data    string
		savings int
	}
	var candidates []candidate
	for _, key := range order {
		if cnt := counts[key]; cnt > 2 {
			candidates = append(candidates, candidate{data: key, savings: (cnt - 1) * len(key)})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].savings > candidates[j].savings })

	var cached [][]byte
	allocated := 0
	for _, c := range candidates {
		if len(cached) >= MaxCacheEntries {
			break
		}
		if 1+len(c.data)+allocated > CacheSize {
			continue
		}
		cached = append(cached, []byte(c.data))
		allocated += 1 + len(c.data)
	}

	indexOf := func(data []byte) int {
		for i, c := range cached {
			if bytes.Equal(c, data) {
				return i
			}
		}
		return -1
	}

	out := make([]Instr, 0, len(instructions))
	for _, instr := range instructions {
		if w, ok := instr.(*WriteInstr); ok {
			if idx := indexOf(w.Data); idx >= 0 {
				out = append(out, &WriteCachedInstr{Idx: uint8(idx), WriteLen: len(w.Data)})
				continue
			}
		}
		out = append(out, instr)
	}
	return cached, out
}

// mergeOperations folds runs of COPY(<128)[WRITE(<256)COPY(<128)]* into a
// single MacroInstr.
func mergeOperations(instructions []Instr) []Instr {
	var merged []Instr
	var toMerge []Instr

	finalize := func() {
		switch len(toMerge) {
		case 0:
			return
		case 1:
			merged = append(merged, toMerge[0])
		default:
			merged = append(merged, &MacroInstr{Ops: append([]Instr{}, toMerge...)})
		}
		toMerge = nil
	}

	for _, instr := range instructions {
		pended := false
		switch v := instr.(type) {
		case *CopyInstr:
			if v.Length < 128 {
				toMerge = append(toMerge, v)
				pended = true
			}
		case *WriteInstr:
			if len(toMerge) > 0 && len(v.Data) < 256 {
				toMerge = append(toMerge, v)
				pended = true
			}
		}
		if !pended {
			finalize()
			merged = append(merged, instr)
		}
	}
	if len(toMerge) > 0 {
		finalize()
	}
	return merged
}

// mergeCrack splits a WRITE inside a MacroInstr into WRITE,COPY,WRITE
// whenever the write's bytes partially match the original image at the
// macro's current cursor, rolling 1-byte copy runs back into the
// surrounding write to avoid churn.
func mergeCrack(old []byte, instructions []Instr) []Instr {
	for _, instr := range instructions {
		m, ok := instr.(*MacroInstr)
		if !ok {
			continue
		}
		ops := m.Ops
		var updated []Instr
		var oldOffset uint32

		for len(ops) > 0 {
			if len(ops) == 1 {
				updated = append(updated, ops[0])
				ops = ops[1:]
				continue
			}
			copyOp := ops[0].(*CopyInstr)
			writeOp := ops[1].(*WriteInstr)
			ops = ops[2:]

			oldOffset = uint32(copyOp.OriginalOffset) + copyOp.Length
			updated = append(updated, copyOp)

			if len(writeOp.Data) < 4 {
				updated = append(updated, writeOp)
				continue
			}

			// Alternating write/copy segment lengths over the write's bytes,
			// starting with a (possibly empty) write segment.
			split := []int{0}
			for idx, b := range writeOp.Data {
				pos := int(oldOffset) + idx
				mismatch := pos >= len(old) || old[pos] != b
				if mismatch {
					if len(split)%2 == 1 {
						split[len(split)-1]++
					} else {
						split = append(split, 1)
					}
					continue
				}
				if len(split)%2 == 1 {
					split = append(split, 1)
				} else {
					split[len(split)-1]++
				}
			}

			// Re-emit the segments, keeping the macro's strict copy/write
			// alternation and the 7-bit copy length bound: 1-byte and
			// oversized copy runs stay literal, a leading copy run folds
			// into the preceding copy, and the trailing segment always ends
			// as a literal so the next pair's copy never lands adjacent to
			// a crack copy.
			offset := 0
			var pending []byte
			flushLiteral := func() {
				if len(pending) > 0 {
					updated = append(updated, &WriteInstr{Data: append([]byte{}, pending...)})
					pending = nil
				}
			}
			for i, segLen := range split {
				isCopy := i%2 == 1
				if !isCopy || segLen == 1 || segLen > 127 || i == len(split)-1 {
					pending = append(pending, writeOp.Data[offset:offset+segLen]...)
					offset += segLen
					continue
				}
				if len(pending) == 0 {
					if prev, ok2 := updated[len(updated)-1].(*CopyInstr); ok2 && prev.Length+uint32(segLen) < 128 {
						prev.Length += uint32(segLen)
						offset += segLen
						continue
					}
					pending = append(pending, writeOp.Data[offset:offset+segLen]...)
					offset += segLen
					continue
				}
				flushLiteral()
				updated = append(updated, &CopyInstr{Length: uint32(segLen), OriginalOffset: int64(oldOffset) + int64(offset)})
				offset += segLen
			}
			flushLiteral()
		}
		m.Ops = updated
	}
	return instructions
}
