package script

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"modulant/internal/logger"
	"modulant/pkg/model"
)

// DefaultTimeout 单次脚本执行的默认超时
const DefaultTimeout = time.Second

// Program 预编译的脚本，每次执行使用独立的虚拟机
type Program struct {
	name    string
	prog    *goja.Program
	timeout time.Duration
}

// Compile 编译脚本
func Compile(name, src string) (*Program, error) {
	p, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, model.WrapError(model.CodeScriptError, "script compilation failed", err, map[string]any{"script": name})
	}
	return &Program{name: name, prog: p, timeout: DefaultTimeout}, nil
}

// WithTimeout 设置执行超时
func (p *Program) WithTimeout(d time.Duration) *Program {
	cp := *p
	cp.timeout = d
	return &cp
}

// Run 在新的沙箱中执行脚本，globals 注入为全局变量
func (p *Program) Run(ctx context.Context, globals map[string]any, l logger.Logger) (val goja.Value, vm *goja.Runtime, err error) {
	vm = goja.New()
	sandbox(vm, l)
	for k, v := range globals {
		if err := vm.Set(k, v); err != nil {
			return nil, nil, err
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			vm.Interrupt("context cancelled")
		case <-stop:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	val, err = vm.RunProgram(p.prog)
	if err != nil {
		return nil, vm, model.WrapError(model.CodeScriptError, "script execution failed", err, map[string]any{"script": p.name})
	}
	return val, vm, nil
}

// sandbox 移除危险的全局对象并接管 console
func sandbox(vm *goja.Runtime, l logger.Logger) {
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	if l == nil {
		l = logger.NewNop()
	}
	console := vm.NewObject()
	console.Set("log", consoleFunc(l.Debug))
	console.Set("info", consoleFunc(l.Info))
	console.Set("warn", consoleFunc(l.Warn))
	console.Set("error", consoleFunc(l.Error))
	vm.Set("console", console)

	// 定时器不可用
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)
}

func consoleFunc(emit func(string, ...any)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.String())
		}
		emit("脚本输出", "args", args)
		return goja.Undefined()
	}
}

// RunInjected 执行注入脚本，出错只返回错误不向上抛出 panic
func RunInjected(ctx context.Context, src string, l logger.Logger) error {
	if src == "" {
		return nil
	}
	p, err := Compile("inject", src)
	if err != nil {
		return err
	}
	_, _, err = p.Run(ctx, nil, l)
	return err
}
