package anvil

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/John-Robertt/mctally/internal/domain"
)

// 每个 section 是 16x16x16 = 4096 个 block。
const blocksPerSection = 4096

// chunkRuns 把一个 chunk 的 NBT 展开为 label 段。
//
// 兼容三代存档结构：
// - 1.18+：根下 sections[].block_states{palette,data}
// - 1.13–1.17：Level.Sections[].Palette/BlockStates
// - 1.13 之前：Level.Sections[].Blocks(+Add)，只有数字 id
//
// label 解析优先级在这里一次性落定：palette 的 Name → namespaced；
// 数字 id → raw；palette 项缺 Name → opaque（文本表示兜底）。
func chunkRuns(root compound) ([]labelRun, error) {
	secs := root.list("sections")
	if secs == nil {
		if lvl := root.comp("Level"); lvl != nil {
			secs = lvl.list("Sections")
		}
	}
	if secs == nil {
		// 没有任何 section（如仅含 structure 数据的 proto-chunk）：空 chunk。
		return nil, nil
	}

	runs := make([]labelRun, 0, 16)
	for _, sv := range secs {
		s, ok := sv.(compound)
		if !ok {
			return nil, fmt.Errorf("section 不是 compound")
		}

		var (
			sr  []labelRun
			err error
		)
		switch {
		case s.comp("block_states") != nil:
			bs := s.comp("block_states")
			sr, err = paletteRuns(bs.list("palette"), bs.longs("data"))
		case s.list("Palette") != nil:
			sr, err = paletteRuns(s.list("Palette"), s.longs("BlockStates"))
		case s.bytes("Blocks") != nil:
			sr, err = legacyRuns(s.bytes("Blocks"), s.bytes("Add"))
		default:
			// 空 section（1.13–1.17 的纯空气 section 不携带 Palette）。
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, sr...)
	}
	return runs, nil
}

// paletteRuns 统计 palette 索引出现次数并换算为 label 段。
//
// data 的两种打包布局：
// - 1.16+：索引不跨 long（每 long 容纳 64/bits 个，余位填零）
// - 1.13–1.15：索引连续排布、允许跨 long
// 依据长度判别；bits 能整除 64 时两种布局等价，任取其一。
func paletteRuns(palette []any, data []int64) ([]labelRun, error) {
	if len(palette) == 0 {
		return nil, fmt.Errorf("palette 为空")
	}

	labels := make([]domain.Label, len(palette))
	for i, pv := range palette {
		labels[i] = paletteLabel(pv)
	}

	if len(data) == 0 {
		// vanilla 对单一 palette 的 section 省略 data：整节都是该 block。
		if len(palette) == 1 {
			return []labelRun{{label: labels[0], n: blocksPerSection}}, nil
		}
		return nil, fmt.Errorf("palette 有 %d 项但缺少 block 数据", len(palette))
	}

	bits := bitsFor(len(palette))
	counts := make([]int, len(palette))

	ipl := 64 / bits
	packedLen := (blocksPerSection + ipl - 1) / ipl
	spanLen := (blocksPerSection*bits + 63) / 64

	switch len(data) {
	case packedLen:
		mask := uint64(1)<<bits - 1
		i := 0
		for _, w := range data {
			uw := uint64(w)
			for j := 0; j < ipl && i < blocksPerSection; j++ {
				idx := int(uw & mask)
				if idx >= len(counts) {
					return nil, fmt.Errorf("palette 索引越界：%d >= %d", idx, len(counts))
				}
				counts[idx]++
				uw >>= bits
				i++
			}
		}
	case spanLen:
		mask := uint64(1)<<bits - 1
		for i := 0; i < blocksPerSection; i++ {
			bitIdx := i * bits
			w := bitIdx / 64
			off := uint(bitIdx % 64)
			v := uint64(data[w]) >> off
			if off+uint(bits) > 64 {
				v |= uint64(data[w+1]) << (64 - off)
			}
			idx := int(v & mask)
			if idx >= len(counts) {
				return nil, fmt.Errorf("palette 索引越界：%d >= %d", idx, len(counts))
			}
			counts[idx]++
		}
	default:
		return nil, fmt.Errorf("block 数据长度不符：len=%d（packed=%d spanning=%d）", len(data), packedLen, spanLen)
	}

	runs := make([]labelRun, 0, len(palette))
	for i, n := range counts {
		if n == 0 {
			continue
		}
		runs = append(runs, labelRun{label: labels[i], n: n})
	}
	return runs, nil
}

func paletteLabel(pv any) domain.Label {
	c, ok := pv.(compound)
	if !ok {
		return domain.Opaque(fmt.Sprintf("%v", pv))
	}
	if name, ok := c.str("Name"); ok && name != "" {
		return domain.Namespaced(name)
	}
	// fmt 对 map 的输出按键排序，兜底文本是确定性的。
	return domain.Opaque(fmt.Sprintf("%v", c))
}

// legacyRuns 处理 1.13 之前的数字 id 存档：Blocks 每 block 一字节，
// Add 是可选的高 4 位 nibble 数组。
func legacyRuns(blocks, add []byte) ([]labelRun, error) {
	if len(blocks) != blocksPerSection {
		return nil, fmt.Errorf("Blocks 长度 %d，期望 %d", len(blocks), blocksPerSection)
	}
	if add != nil && len(add) != blocksPerSection/2 {
		return nil, fmt.Errorf("Add 长度 %d，期望 %d", len(add), blocksPerSection/2)
	}

	counts := make(map[int]int, 16)
	for i, b := range blocks {
		id := int(b)
		if add != nil {
			nib := add[i/2]
			if i%2 == 0 {
				id |= int(nib&0x0f) << 8
			} else {
				id |= int(nib>>4) << 8
			}
		}
		counts[id]++
	}

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	runs := make([]labelRun, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, labelRun{label: domain.Raw(strconv.Itoa(id)), n: counts[id]})
	}
	return runs, nil
}

// bitsFor 返回 palette 索引的位宽：不小于 4，且能编码 n-1。
func bitsFor(n int) int {
	bits := 4
	for 1<<bits < n {
		bits++
	}
	return bits
}
