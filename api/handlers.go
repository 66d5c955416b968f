package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync-api/domain"
)

// Register wires up the REST routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, auth Authenticator, logger *log.Logger) {
	e.GET("/api/todos", listTodos(svc, auth, logger))
	e.POST("/api/todos", createTodo(svc, auth))
	e.GET("/api/todos/:id", getTodo(svc, auth))
	e.PATCH("/api/todos/:id", updateTodo(svc, auth))
	e.DELETE("/api/todos/:id", deleteTodo(svc, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func listTodos(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		page, limit, parseErr := paginationParams(c)
		if parseErr != nil {
			metrics.SetErrorStage("invalid_pagination")
			err = c.String(http.StatusBadRequest, parseErr.Error())
			return err
		}

		fetchStart := time.Now()
		result, listErr := svc.List(ctx, userID, page, limit)
		metrics.ObserveFetch(time.Since(fetchStart))
		if listErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(listErr)
			err = c.String(http.StatusInternalServerError, "failed to list tasks")
			return err
		}
		metrics.SetTasksReturned(len(result.Items))
		metrics.SetPage(result.Page)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, result)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTodo(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, mutationMaxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req createTodoRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		t, err := svc.Create(c.Request().Context(), userID, req.Title)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

func getTodo(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		t, err := svc.Get(c.Request().Context(), c.Param("id"), userID)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func updateTodo(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, mutationMaxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var patch domain.TaskPatch
		if err := dec.Decode(&patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
			return c.String(http.StatusBadRequest, "invalid title: must not be empty")
		}

		t, err := svc.Update(c.Request().Context(), c.Param("id"), userID, patch)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func deleteTodo(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := svc.Delete(c.Request().Context(), c.Param("id"), userID); err != nil {
			return writeServiceError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func paginationParams(c echo.Context) (page, limit int, err error) {
	page = 1
	if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, errors.New("invalid page")
		}
	}
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("invalid limit")
		}
	}
	return page, limit, nil
}

func writeServiceError(c echo.Context, err error) error {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: vErr.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
