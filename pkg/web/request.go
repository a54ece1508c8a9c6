package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	codes "github.com/lk2023060901/flock/pkg/web/errors"
)

// BindAndValidate 绑定请求参数并进行校验
func BindAndValidate(c *gin.Context, obj any) bool {
	if err := c.ShouldBind(obj); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			Error(c, http.StatusBadRequest, codes.CodeInvalidParams, errs.Error())
			return false
		}
		Error(c, http.StatusBadRequest, codes.CodeInvalidParams, "invalid request parameters: "+err.Error())
		return false
	}
	return true
}

// GetQuery 获取查询参数，带默认值
func GetQuery(c *gin.Context, key, defaultValue string) string {
	val := c.Query(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// GetQueryInt64 获取整型查询参数，缺省时返回默认值
func GetQueryInt64(c *gin.Context, key string, defaultValue int64) (int64, error) {
	val := c.Query(key)
	if val == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(val, 10, 64)
}
