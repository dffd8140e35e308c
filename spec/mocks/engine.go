package mocks

import (
	"context"

	"go.miragespace.co/kvstore/spec/kvstore"

	"github.com/stretchr/testify/mock"
)

type Engine struct {
	mock.Mock
}

var _ kvstore.Engine = (*Engine)(nil)

func (e *Engine) EnsureTableExists(ctx context.Context) (bool, error) {
	args := e.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (e *Engine) CreateTable(ctx context.Context) error {
	args := e.Called(ctx)
	return args.Error(0)
}

func (e *Engine) RowExists(ctx context.Context, id int64) (bool, error) {
	args := e.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (e *Engine) Insert(ctx context.Context, row kvstore.Row) error {
	args := e.Called(ctx, row)
	return args.Error(0)
}

func (e *Engine) Update(ctx context.Context, row kvstore.Row) error {
	args := e.Called(ctx, row)
	return args.Error(0)
}

func (e *Engine) Get(ctx context.Context, id int64) ([]byte, error) {
	args := e.Called(ctx, id)
	v := args.Get(0)
	err := args.Error(1)
	if v == nil {
		return nil, err
	}
	return v.([]byte), err
}

func (e *Engine) Delete(ctx context.Context, id int64) error {
	args := e.Called(ctx, id)
	return args.Error(0)
}

func (e *Engine) Close() error {
	args := e.Called()
	return args.Error(0)
}
