package anvil

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/mctally/internal/decoder"
	"github.com/John-Robertt/mctally/internal/domain"
)

// ---- NBT 构造器（测试内准备未压缩 NBT 字节）----

type nbtBuf struct{ b []byte }

func (w *nbtBuf) u8(v byte)  { w.b = append(w.b, v) }
func (w *nbtBuf) u16(v int)  { w.b = binary.BigEndian.AppendUint16(w.b, uint16(v)) }
func (w *nbtBuf) u32(v int)  { w.b = binary.BigEndian.AppendUint32(w.b, uint32(v)) }
func (w *nbtBuf) i64(v int64) { w.b = binary.BigEndian.AppendUint64(w.b, uint64(v)) }

func (w *nbtBuf) name(s string) {
	w.u16(len(s))
	w.b = append(w.b, s...)
}

// tag 写入具名标签头（类型 + 名字）；list 元素不经过这里。
func (w *nbtBuf) tag(t byte, n string) {
	w.u8(t)
	w.name(n)
}

func (w *nbtBuf) stringTag(n, v string) {
	w.tag(tagString, n)
	w.name(v)
}

func (w *nbtBuf) byteArrayTag(n string, v []byte) {
	w.tag(tagByteArray, n)
	w.u32(len(v))
	w.b = append(w.b, v...)
}

func (w *nbtBuf) longArrayTag(n string, v []int64) {
	w.tag(tagLongArray, n)
	w.u32(len(v))
	for _, x := range v {
		w.i64(x)
	}
}

func (w *nbtBuf) end() { w.u8(tagEnd) }

// paletteList 写入 "palette"/"Palette" 风格的 compound 列表，每项只含 Name。
func (w *nbtBuf) paletteList(key string, names []string) {
	w.tag(tagList, key)
	w.u8(tagCompound)
	w.u32(len(names))
	for _, n := range names {
		w.stringTag("Name", n)
		w.end()
	}
}

type section struct {
	palette []string
	data    []int64
}

// modernChunk 构造 1.18+ 结构：根下 sections[].block_states{palette,data}。
func modernChunk(secs ...section) []byte {
	var w nbtBuf
	w.tag(tagCompound, "")
	w.tag(tagList, "sections")
	w.u8(tagCompound)
	w.u32(len(secs))
	for _, s := range secs {
		w.tag(tagCompound, "block_states")
		w.paletteList("palette", s.palette)
		if s.data != nil {
			w.longArrayTag("data", s.data)
		}
		w.end() // block_states
		w.end() // section
	}
	w.end() // root
	return w.b
}

// midChunk 构造 1.13–1.17 结构：Level.Sections[].Palette/BlockStates。
func midChunk(secs ...section) []byte {
	var w nbtBuf
	w.tag(tagCompound, "")
	w.tag(tagCompound, "Level")
	w.tag(tagList, "Sections")
	w.u8(tagCompound)
	w.u32(len(secs))
	for _, s := range secs {
		if s.palette != nil {
			w.paletteList("Palette", s.palette)
		}
		if s.data != nil {
			w.longArrayTag("BlockStates", s.data)
		}
		w.end()
	}
	w.end() // Level
	w.end() // root
	return w.b
}

// legacyChunk 构造 1.13 之前的结构：Level.Sections[].Blocks(+Add)。
func legacyChunk(blocks, add []byte) []byte {
	var w nbtBuf
	w.tag(tagCompound, "")
	w.tag(tagCompound, "Level")
	w.tag(tagList, "Sections")
	w.u8(tagCompound)
	w.u32(1)
	w.byteArrayTag("Blocks", blocks)
	if add != nil {
		w.byteArrayTag("Add", add)
	}
	w.end()
	w.end() // Level
	w.end() // root
	return w.b
}

// ---- region 文件构造器 ----

type chunkBlob struct {
	comp byte
	data []byte // 已按 comp 压缩
}

func zlibChunk(t *testing.T, nbt []byte) chunkBlob {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(nbt)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return chunkBlob{comp: compZlib, data: buf.Bytes()}
}

func gzipChunk(t *testing.T, nbt []byte) chunkBlob {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(nbt)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return chunkBlob{comp: compGzip, data: buf.Bytes()}
}

// writeRegion 把 chunk 依次放到第 2 个扇区起的连续扇区，返回文件路径。
func writeRegion(t *testing.T, chunks ...chunkBlob) string {
	t.Helper()

	body := make([]byte, headerSize)
	sector := uint32(2)
	for i, c := range chunks {
		payload := make([]byte, 5+len(c.data))
		binary.BigEndian.PutUint32(payload, uint32(len(c.data)+1))
		payload[4] = c.comp
		copy(payload[5:], c.data)

		sectors := (len(payload) + sectorSize - 1) / sectorSize
		padded := make([]byte, sectors*sectorSize)
		copy(padded, payload)

		e := body[i*4 : i*4+4]
		e[0] = byte(sector >> 16)
		e[1] = byte(sector >> 8)
		e[2] = byte(sector)
		e[3] = byte(sectors)

		body = append(body, padded...)
		sector += uint32(sectors)
	}

	path := filepath.Join(t.TempDir(), "r.0.0.mca")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	return path
}

// drain 消费整个迭代器，返回计数与被跳过的 chunk 数。
func drain(t *testing.T, it decoder.Iterator) (domain.Tally, int) {
	t.Helper()
	counts := make(domain.Tally)
	skipped := 0
	for {
		lbl, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, decoder.ErrElementSkipped) {
			skipped++
			continue
		}
		require.NoError(t, err)
		counts[lbl.String()]++
	}
	require.NoError(t, it.Close())
	return counts, skipped
}

// ---- 用例 ----

func TestOpen_TruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.0.0.mca")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	_, err := Decoder{}.Open(path)
	require.Error(t, err)
}

func TestOpen_EmptyRegionIsEOF(t *testing.T) {
	path := writeRegion(t) // 全零 location 表

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Empty(t, counts)
	require.Zero(t, skipped)
}

func TestModern_SinglePaletteNoData(t *testing.T) {
	path := writeRegion(t, zlibChunk(t, modernChunk(section{
		palette: []string{"minecraft:stone"},
	})))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Zero(t, skipped)

	want := domain.Tally{"minecraft:stone": blocksPerSection}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("计数不一致 (-want +got):\n%s", diff)
	}
}

func TestModern_PackedData(t *testing.T) {
	// palette 2 项 → bits=4，每 long 容纳 16 个索引，共 256 long。
	// 最后一个 long 全部指向索引 1，其余为索引 0。
	data := make([]int64, 256)
	data[255] = 0x1111111111111111

	path := writeRegion(t, zlibChunk(t, modernChunk(section{
		palette: []string{"minecraft:stone", "minecraft:dirt"},
		data:    data,
	})))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Zero(t, skipped)

	want := domain.Tally{
		"minecraft:stone": blocksPerSection - 16,
		"minecraft:dirt":  16,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("计数不一致 (-want +got):\n%s", diff)
	}
}

func TestMid_SpanningData(t *testing.T) {
	// palette 17 项 → bits=5，不整除 64：长度 320 只能是跨 long 布局。
	names := make([]string, 17)
	for i := range names {
		names[i] = "minecraft:block" + strconv.Itoa(i)
	}
	data := make([]int64, (blocksPerSection*5+63)/64)

	path := writeRegion(t, zlibChunk(t, midChunk(section{
		palette: names,
		data:    data,
	})))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Zero(t, skipped)

	want := domain.Tally{"minecraft:block0": blocksPerSection}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("计数不一致 (-want +got):\n%s", diff)
	}
}

func TestLegacy_BlocksWithAdd(t *testing.T) {
	blocks := make([]byte, blocksPerSection)
	add := make([]byte, blocksPerSection/2)
	blocks[0] = 1          // id 1
	add[0] = 0x01          // 偶数下标取低 nibble → id 1|256 = 257
	blocks[1] = 2          // id 2
	add[0] |= 0x10         // 奇数下标取高 nibble → id 2|256 = 258

	path := writeRegion(t, zlibChunk(t, legacyChunk(blocks, add)))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Zero(t, skipped)

	want := domain.Tally{
		"0":   blocksPerSection - 2,
		"257": 1,
		"258": 1,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("计数不一致 (-want +got):\n%s", diff)
	}
}

func TestGzipCompression(t *testing.T) {
	path := writeRegion(t, gzipChunk(t, modernChunk(section{
		palette: []string{"minecraft:air"},
	})))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, _ := drain(t, it)
	require.Equal(t, uint64(blocksPerSection), counts["minecraft:air"])
}

func TestCorruptChunkSkipped(t *testing.T) {
	// 第 1 个 chunk 压缩类型非法，第 2 个正常：前者跳过，后者照常计数。
	bad := chunkBlob{comp: 9, data: []byte("garbage")}
	good := zlibChunk(t, modernChunk(section{palette: []string{"minecraft:stone"}}))

	path := writeRegion(t, bad, good)

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Equal(t, 1, skipped)
	require.Equal(t, uint64(blocksPerSection), counts["minecraft:stone"])
}

func TestCorruptNBTSkipped(t *testing.T) {
	bad := zlibChunk(t, []byte{tagCompound, 0, 0, tagString, 0, 1, 'x'}) // 字符串负载截断
	good := zlibChunk(t, modernChunk(section{palette: []string{"minecraft:dirt"}}))

	path := writeRegion(t, bad, good)

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Equal(t, 1, skipped)
	require.Equal(t, uint64(blocksPerSection), counts["minecraft:dirt"])
}

func TestLocationBeyondFileSkipped(t *testing.T) {
	// location 表指向文件之外：该 chunk 跳过，但不是流级失败。
	body := make([]byte, headerSize)
	body[0] = 0
	body[1] = 0
	body[2] = 200 // 扇区 200，远超文件末尾
	body[3] = 1
	path := filepath.Join(t.TempDir(), "r.0.0.mca")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Equal(t, 1, skipped)
	require.Empty(t, counts)
}

func TestEmptySectionsAreIgnored(t *testing.T) {
	// 1.13–1.17 的纯空气 section 不携带 Palette：直接跳过。
	path := writeRegion(t, zlibChunk(t, midChunk(
		section{},
		section{palette: []string{"minecraft:stone"}},
	)))

	it, err := Decoder{}.Open(path)
	require.NoError(t, err)
	counts, skipped := drain(t, it)
	require.Zero(t, skipped)
	require.Equal(t, uint64(blocksPerSection), counts["minecraft:stone"])
}
