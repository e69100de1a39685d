// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package uow

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolProvider acquires connections from a pgx pool.
type PoolProvider struct {
	pool *pgxpool.Pool
}

var _ Provider = (*PoolProvider)(nil)

func NewPoolProvider(pool *pgxpool.Pool) *PoolProvider {
	return &PoolProvider{pool: pool}
}

func (p *PoolProvider) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &poolConn{Conn: c}, nil
}

type poolConn struct {
	*pgxpool.Conn
}

func (c *poolConn) Begin(ctx context.Context) (Tx, error) {
	return c.Conn.Begin(ctx)
}
