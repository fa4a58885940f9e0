package sqlinline

const QEnsureCreditAccount = `--sql a28fab4a-6163-4313-b3cd-be587c3fef0b
insert into credit_accounts(id, balance)
values ($1::text, 0)
on conflict (id) do nothing;
`

const QLockCreditAccount = `--sql 9c6d88e0-fef9-4590-9545-f610eedd4018
select balance
from credit_accounts
where id = $1::text
for update;
`

const QSelectCreditBalance = `--sql 0db10e89-0d42-4d2e-8af7-a2076222c26a
select balance
from credit_accounts
where id = $1::text;
`

const QUpdateCreditBalance = `--sql 88850108-6165-445b-bf53-0a78315f83de
update credit_accounts
set balance = $2::bigint, updated_at = now()
where id = $1::text;
`

const QSelectJobTransaction = `--sql 476f16e7-7cf1-4979-9901-bc0d1814f351
select id::text, account_id, amount
from credit_transactions
where related_job_id = $1::uuid and kind = $2::text
limit 1;
`

const QSelectTransactionByKey = `--sql 53a4c4a7-da28-4d2f-9738-3e92723848fd
select id::text
from credit_transactions
where account_id = $1::text and idempotency_key = $2::text
limit 1;
`

const QSelectRecentGrant = `--sql dc456a4d-1ebb-4c2d-ad2b-da7b4935ab34
select id::text
from credit_transactions
where account_id = $1::text
  and kind = $2::text
  and reason = $3::text
  and created_at > now() - make_interval(secs => $4::double precision)
limit 1;
`

const QInsertCreditTransaction = `--sql 57b1eb95-d87c-4cb1-b002-7509b7b3d5d4
insert into credit_transactions(id, account_id, amount, kind, related_job_id, idempotency_key, reason)
values ($1::uuid, $2::text, $3::bigint, $4::text, nullif($5::text, '')::uuid, nullif($6::text, ''), $7::text)
returning created_at;
`

const QListCreditTransactions = `--sql df189859-a530-4633-98d7-f8b36b08ff1a
select id::text, account_id, amount, kind, coalesce(related_job_id::text, ''), coalesce(idempotency_key, ''), reason, created_at
from credit_transactions
where account_id = $1::text
order by created_at desc
limit $2::int;
`
