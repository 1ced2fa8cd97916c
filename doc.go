/*
Package tabkv implements tables on top of an ordered key-value store.

We implement:

1. Tables, described by a stored descriptor (columns, index definitions,
creation time) and holding flat rows of scalar values keyed by row id.

2. Secondary indexes, maintained in the same atomic batch as the row they
describe, queried by composite key prefix.

3. Cursor-paginated scans, table statistics and in-memory equi-joins.

Any Store works: MemStore and BoltStore live here; Redis, MySQL and DynamoDB
backends live in subpackages.

# Technical Details

**Key families.**
Every key starts with a family byte: 'm' for table descriptors, 'r' for rows,
'x' for index entries. The components that follow are tenant, table and then
row id (rows) or index name, composite key and row id (index entries).

**Component encoding.**
A 0x00 byte inside a component is written as 0x00 0xFF; each component ends
with 0x00 0x01. Keys therefore sort component by component, in the same
order as the raw strings, and no value can reach into a neighbouring range.
An index prefix scan writes the composite key component without its
terminator.

**Composite index key.**
Field values in declaration order, stringified (numbers in shortest decimal
form), joined by '#' as is. Rows whose joined values coincide share the
composite key and are told apart by row id. A row with any indexed field
missing, null or empty gets no entry for that index.

**Values.**
Rows and descriptors are MsgPack by default, JSON optionally. Readers accept
both.

**Writes.**
Inserting reads the previous row (if any) so that its stale index entries are
deleted in the same batch that writes the new row and its entries.
*/
package tabkv
