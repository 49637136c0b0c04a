package auth

import "context"

type subjectKey struct{}

// WithSubject 把通过认证的主体挂到请求上下文上。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.permissionSet()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出上下文里的认证主体，没有则返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
