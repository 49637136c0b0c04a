// Package tool 定义智能体可调用的工具框架：静态定义、输入校验、
// 状态注入、回调与错误策略。有状态的工具通过 Invocation.State 读取
// 推理循环已完成的中间步骤。
package tool
