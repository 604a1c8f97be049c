package domain

// WorkUnit 描述一次分片得到的工作单元（一个 region 文件）。
//
// 不变量（实现必须遵守）：
// - ID 是相对 source 的 slash 规范化路径；checkpoint 以它为键，跨平台稳定
// - 枚举后不可变；分片阶段只做 stat，不读文件内容
type WorkUnit struct {
	ID      string
	AbsPath string
	Size    int64
	ModUnix int64
}

// ResultEnvelope 是 worker 返回给 driver 的单元结果消息。
//
// - 成功：Counts/Elements 有效，ErrorCode 为空
// - 单元级错误（open/iter）：Counts 为空（零贡献），ErrorCode/ErrorMsg 说明原因
// - Fault=true：worker 自身崩溃（panic 等），Counts 无意义，单元不计入已处理
type ResultEnvelope struct {
	Unit     string
	Counts   Tally
	Elements int

	ErrorCode string
	ErrorMsg  string
	Fault     bool
}
