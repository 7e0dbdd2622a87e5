package constitution

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func environment() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// CELPredicate 使用 CEL 表达式判断原则是否命中。表达式中可用的变量：
//
//	action.description  原始描述
//	action.lower        小写描述
//	action.words        单词列表
//	action.requester    请求方
//	action.context      上下文 map
//	action.destructive  是否包含破坏性操作
//	action.backup       是否声明了备份
type CELPredicate struct {
	expr    string
	program cel.Program
}

// NewCELPredicate 编译表达式，要求结果类型为 bool。
func NewCELPredicate(expr string) (*CELPredicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("CEL 表达式不能为空")
	}
	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("创建 CEL 环境失败: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("编译 CEL 表达式 %q 失败: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL 表达式 %q 的结果必须为 bool，实际为 %s", expr, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("构建 CEL 程序失败: %w", err)
	}
	return &CELPredicate{expr: expr, program: program}, nil
}

// Expression 返回原始表达式。
func (p *CELPredicate) Expression() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Matches 实现 Predicate。求值出错（例如访问不存在的上下文键）视为未命中。
func (p *CELPredicate) Matches(action Action) bool {
	if p == nil || p.program == nil {
		return false
	}
	ctx := action.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	input := map[string]any{
		"description": action.Description,
		"lower":       strings.ToLower(action.Description),
		"words":       Words(action.Description),
		"requester":   action.Requester,
		"context":     ctx,
		"destructive": IsDestructive(action.Description),
		"backup":      hasBackup(action),
	}
	out, _, err := p.program.Eval(map[string]any{"action": input})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

var _ Predicate = (*CELPredicate)(nil)
