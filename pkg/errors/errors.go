package errors

// ========== 错误码常量定义 ==========

// CodeSuccess 成功码
const (
	CodeSuccess = 200
)

// HTTP层错误码 (400-599)
const (
	CodeInvalidParam = 400
	CodeNotFound     = 404
	CodeConflict     = 409
	CodeServerError  = 500
)

// 业务层错误码 (10000+)
const (
	CodeSyncRunning  = 10001 // 同一批发商已有同步在运行
	CodeSyncDisabled = 10002 // 批发商未启用同步
	CodeInvalidRule  = 10003 // 字段映射规则无效
)
