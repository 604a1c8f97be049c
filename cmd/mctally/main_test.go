package main

import (
	"testing"

	"github.com/John-Robertt/mctally/internal/domain"
)

func TestParseRunArgs_AllFlags(t *testing.T) {
	ra, err := parseRunArgs([]string{"--source", "/tmp/region", "--out", "o.json", "--concurrency", "8"})
	if err != nil {
		t.Fatalf("解析失败：%v", err)
	}
	if ra.Source != "/tmp/region" {
		t.Fatalf("Source = %q", ra.Source)
	}
	if ra.Out != "o.json" || !ra.OutSet {
		t.Fatalf("Out = %q（OutSet=%v）", ra.Out, ra.OutSet)
	}
	if ra.Concurrency != 8 || !ra.ConcurrencySet {
		t.Fatalf("Concurrency = %d（ConcurrencySet=%v）", ra.Concurrency, ra.ConcurrencySet)
	}
}

func TestParseRunArgs_EqualsForm(t *testing.T) {
	ra, err := parseRunArgs([]string{"--source=/tmp/region", "--concurrency=2"})
	if err != nil {
		t.Fatalf("解析失败：%v", err)
	}
	if ra.Source != "/tmp/region" || ra.Concurrency != 2 {
		t.Fatalf("意外结果：%+v", ra)
	}
}

func TestParseRunArgs_DefaultsUnset(t *testing.T) {
	ra, err := parseRunArgs(nil)
	if err != nil {
		t.Fatalf("解析失败：%v", err)
	}
	if ra.OutSet || ra.ConcurrencySet {
		t.Fatalf("未传参时不应标记已设置：%+v", ra)
	}
}

func TestParseRunArgs_Errors(t *testing.T) {
	cases := [][]string{
		{"--source"},                 // 缺值
		{"--concurrency", "abc"},     // 非整数
		{"--concurrency=0"},          // 非正数
		{"--concurrency", "-3"},      // 负数
		{"--out="},                   // 空路径
		{"--verbose"},                // 未知参数
		{"extra"},                    // 位置参数不被接受
	}
	for _, args := range cases {
		if _, err := parseRunArgs(args); err == nil {
			t.Fatalf("参数 %v 应当报错", args)
		}
	}
}

func TestHasFatal(t *testing.T) {
	ok := domain.RunReport{Units: []domain.UnitResult{
		{Unit: "r.0.0.mca", Status: domain.StatusFailed, ErrorCode: domain.ErrCodeOpenFailed},
	}}
	if hasFatal(ok) {
		t.Fatal("单元级失败不应视为致命")
	}

	fatal := domain.RunReport{Units: []domain.UnitResult{
		{Status: domain.StatusFailed, ErrorCode: domain.ErrCodeSourceEmpty},
	}}
	if !hasFatal(fatal) {
		t.Fatal("合成条目（unit 为空）应视为致命")
	}
}
