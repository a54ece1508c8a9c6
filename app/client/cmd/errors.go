package main

import (
	"errors"

	"github.com/lk2023060901/flock/pkg/fault"
)

// userError 把已分类的失败转成给用户看的提示
func userError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(describe(err))
}

func describe(err error) string {
	if fe, ok := fault.As(err); ok {
		return fe.UserMessage()
	}
	return err.Error()
}
