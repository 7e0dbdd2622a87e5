package auth

import "context"

// subjectKey 是上下文中存储 Subject 的键类型。
type subjectKey struct{}

// WithSubject 将经过身份验证的主体信息存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取经过身份验证的主体信息。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		return subject
	}
	return nil
}

// Identity 返回请求方的 Agent ID，未认证时返回 fallback。
func Identity(ctx context.Context, fallback string) string {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.AgentID()
	}
	return fallback
}

// Require 校验上下文中的主体权限；认证关闭时上下文没有主体，直接放行。
func Require(ctx context.Context, perms ...string) error {
	subject := SubjectFromContext(ctx)
	if subject == nil {
		return nil
	}
	return subject.Authorize(perms...)
}
