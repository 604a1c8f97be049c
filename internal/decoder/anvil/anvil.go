// Package anvil 实现 Minecraft anvil region 文件（.mca）的元素解码。
//
// 它是流水线与“专有空间容器格式”之间的边界实现：把一个 region 文件
// 惰性展开为带 label 的 block 序列。格式差异（palette/legacy、压缩方式、
// 存档版本结构）全部封死在本包内部。
package anvil

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/John-Robertt/mctally/internal/decoder"
	"github.com/John-Robertt/mctally/internal/domain"
)

const (
	// region 头：1024 个 location 项（4 字节）+ 1024 个时间戳（4 字节）。
	headerSize = 8192
	sectorSize = 4096

	compGzip = 1
	compZlib = 2
	compNone = 3

	// maxChunkNBT 限制单个 chunk 解压后的体积，防御损坏数据导致的内存失控。
	maxChunkNBT = 16 << 20
)

// Decoder 是 anvil 格式的 decoder.Decoder 实现。
type Decoder struct{}

func (Decoder) Name() string { return "anvil" }

// Open 打开 region 文件并读取 location 表；chunk 本体留给 Iterator 惰性解码。
func (Decoder) Open(path string) (decoder.Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("region 头不完整：文件仅 %d 字节", fi.Size())
	}

	hdr := make([]byte, sectorSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("读取 location 表失败：%w", err)
	}

	// 非零 location 即存在 chunk；按表内下标顺序迭代，保证枚举确定性。
	locs := make([]chunkLoc, 0, 128)
	for i := 0; i < 1024; i++ {
		e := hdr[i*4 : i*4+4]
		offset := uint32(e[0])<<16 | uint32(e[1])<<8 | uint32(e[2])
		sectors := e[3]
		if offset == 0 || sectors == 0 {
			continue
		}
		locs = append(locs, chunkLoc{index: i, offset: offset})
	}

	return &iterator{f: f, size: fi.Size(), locs: locs}, nil
}

type chunkLoc struct {
	index  int
	offset uint32 // 以 4KiB 扇区为单位
}

type iterator struct {
	f    *os.File
	size int64
	locs []chunkLoc

	next int        // 下一个待解码的 chunk 下标
	runs []labelRun // 当前 chunk 展开后的（label，剩余个数）
	ri   int
}

// labelRun 是同一 label 的连续元素段。chunk 内的计数不关心元素顺序，
// 按段展开避免为每个 block 单独分配。
type labelRun struct {
	label domain.Label
	n     int
}

func (it *iterator) Next() (domain.Label, error) {
	for {
		for it.ri < len(it.runs) {
			r := &it.runs[it.ri]
			if r.n > 0 {
				r.n--
				return r.label, nil
			}
			it.ri++
		}

		if it.next >= len(it.locs) {
			return domain.Label{}, io.EOF
		}
		loc := it.locs[it.next]
		it.next++

		runs, skip, fatal := it.loadChunk(loc)
		if fatal != nil {
			// 磁盘读取失败：整个流按 iter_failed 处理。
			return domain.Label{}, fatal
		}
		if skip != nil {
			// 单个 chunk 损坏：跳过它，继续同单元的其他 chunk。
			return domain.Label{}, fmt.Errorf("%w（chunk #%d：%v）", decoder.ErrElementSkipped, loc.index, skip)
		}
		it.runs = runs
		it.ri = 0
	}
}

func (it *iterator) Close() error { return it.f.Close() }

// loadChunk 读取并展开一个 chunk。
// skip 表示数据层面的损坏（只废弃该 chunk）；fatal 表示 I/O 层面的失败（废弃整个流）。
func (it *iterator) loadChunk(loc chunkLoc) (runs []labelRun, skip, fatal error) {
	off := int64(loc.offset) * sectorSize
	if off+5 > it.size {
		return nil, fmt.Errorf("location 越界：偏移 %d 超出文件", off), nil
	}

	var hdr [5]byte
	if _, err := it.f.ReadAt(hdr[:], off); err != nil {
		return nil, nil, fmt.Errorf("读取 chunk 头失败：%w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	comp := hdr[4]

	n := int64(length) - 1
	if length == 0 || n < 0 {
		return nil, fmt.Errorf("chunk 长度字段非法：%d", length), nil
	}
	if off+5+n > it.size {
		return nil, fmt.Errorf("chunk 数据越界：需要 %d 字节", n), nil
	}

	raw := make([]byte, n)
	if _, err := it.f.ReadAt(raw, off+5); err != nil {
		return nil, nil, fmt.Errorf("读取 chunk 数据失败：%w", err)
	}

	nbt, err := decompress(raw, comp)
	if err != nil {
		return nil, err, nil
	}
	root, err := parseNBT(nbt)
	if err != nil {
		return nil, err, nil
	}
	runs, err = chunkRuns(root)
	if err != nil {
		return nil, err, nil
	}
	return runs, nil, nil
}

func decompress(raw []byte, comp byte) ([]byte, error) {
	var r io.Reader
	switch comp {
	case compGzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case compZlib:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case compNone:
		r = bytes.NewReader(raw)
	default:
		return nil, fmt.Errorf("未知压缩类型：%d", comp)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxChunkNBT+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxChunkNBT {
		return nil, fmt.Errorf("chunk NBT 超过 %d 字节上限", maxChunkNBT)
	}
	return out, nil
}
